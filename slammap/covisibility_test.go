package slammap

import (
	"testing"

	"go.viam.com/test"
)

func TestCovisibilitySymmetry(t *testing.T) {
	c := NewCovisibility()
	c.Increment(2, 5)
	c.Increment(5, 2)
	test.That(t, c.Count(2, 5), test.ShouldEqual, 2)
	test.That(t, c.Count(5, 2), test.ShouldEqual, 2)

	c.Decrement(2, 5)
	test.That(t, c.Count(5, 2), test.ShouldEqual, 1)
	c.Decrement(5, 2)
	test.That(t, c.Count(2, 5), test.ShouldEqual, 0)
	test.That(t, c.Neighbors(2), test.ShouldBeEmpty)

	// diagonal and unknown pairs stay at zero
	c.Increment(3, 3)
	test.That(t, c.Count(3, 3), test.ShouldEqual, 0)
	test.That(t, c.Count(7, 9), test.ShouldEqual, 0)
}

func TestCovisibilityRetireKeyframe(t *testing.T) {
	c := NewCovisibility()
	c.Increment(1, 2)
	c.Increment(1, 3)
	c.Increment(2, 3)
	c.RetireKeyframe(1)
	test.That(t, c.Count(1, 2), test.ShouldEqual, 0)
	test.That(t, c.Count(1, 3), test.ShouldEqual, 0)
	test.That(t, c.Count(2, 3), test.ShouldEqual, 1)
}

func TestSimilarityStore(t *testing.T) {
	s := NewSimilarity()
	test.That(t, s.Get(0, 1), test.ShouldEqual, 0.0)
	s.Set(0, 1, 0.42)
	test.That(t, s.Get(0, 1), test.ShouldEqual, 0.42)
	test.That(t, s.Get(1, 0), test.ShouldEqual, 0.42)
}
