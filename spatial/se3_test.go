package spatial

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestExpLogRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		v    Vec6
	}{
		{"identity", Vec6{}},
		{"pure translation", Vec6{1, -2, 3, 0, 0, 0}},
		{"pure rotation", Vec6{0, 0, 0, 0.1, -0.2, 0.3}},
		{"general", Vec6{0.5, 1.5, -0.7, 0.3, 0.1, -0.4}},
		{"tiny rotation", Vec6{1, 0, 0, 1e-12, 0, 0}},
		{"large rotation", Vec6{0.2, 0.1, 0.3, 1.2, -0.9, 0.5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Log(Exp(tc.v))
			for i := range got {
				test.That(t, got[i], test.ShouldAlmostEqual, tc.v[i], 1e-9)
			}
		})
	}
}

func TestComposeInverse(t *testing.T) {
	p := Exp(Vec6{0.5, 1.5, -0.7, 0.3, 0.1, -0.4})
	q := Exp(Vec6{-0.2, 0.4, 0.9, -0.1, 0.25, 0.05})

	id := p.Compose(p.Inverse())
	test.That(t, Log(id).Norm(), test.ShouldBeLessThan, 1e-10)

	// (p*q)^-1 == q^-1 * p^-1
	lhs := p.Compose(q).Inverse()
	rhs := q.Inverse().Compose(p.Inverse())
	diff := lhs.Compose(rhs.Inverse())
	test.That(t, Log(diff).Norm(), test.ShouldBeLessThan, 1e-10)
}

func TestTransformPoint(t *testing.T) {
	// rotate pi/2 about Z, then translate by (1,0,0)
	p := Exp(Vec6{0, 0, 0, 0, 0, math.Pi / 2})
	p = Pose{rot: p.rot, t: r3.Vector{X: 1}}
	got := p.TransformPoint(r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, got.X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0, 1e-12)

	dir := p.TransformDir(r3.Vector{X: 1})
	test.That(t, dir.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, dir.Y, test.ShouldAlmostEqual, 1, 1e-12)
}

func TestRotationTranslationCoupling(t *testing.T) {
	// the SE(3) exponential couples rotation into translation; a screw motion
	// about Z should not move a point on the axis
	v := Vec6{0, 0, 1, 0, 0, 2 * math.Pi}
	p := Exp(v)
	got := p.TransformPoint(r3.Vector{})
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, got.Z, test.ShouldAlmostEqual, 1, 1e-9)
}
