// Package vocab scores place similarity between keyframes. Descriptors are
// quantized into a fixed-size word histogram by hashing, and two keyframes are
// compared by the cosine similarity of their normalized histograms, yielding a
// score in [0, 1]. The mapping backend treats the scorer as a black box; any
// implementation producing a similarity in [0, 1] can replace this one.
package vocab

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/roverlab/stereoslam/frame"
)

// DefaultWords is the default vocabulary size.
const DefaultWords = 4096

// Aggregate is a keyframe's normalized word histogram.
type Aggregate []float64

// Vocabulary quantizes descriptors into word histograms.
type Vocabulary struct {
	words int
}

// New returns a vocabulary with the given number of words.
func New(words int) *Vocabulary {
	if words <= 0 {
		words = DefaultWords
	}
	return &Vocabulary{words: words}
}

// Aggregate builds the normalized word histogram of a descriptor set. An empty
// set yields a nil aggregate, which scores zero against everything.
func (v *Vocabulary) Aggregate(descs []frame.Descriptor) Aggregate {
	hist := make(Aggregate, v.words)
	n := 0
	for _, d := range descs {
		if len(d) == 0 {
			continue
		}
		hist[xxhash.Sum64(d)%uint64(v.words)]++
		n++
	}
	if n == 0 {
		return nil
	}
	norm := floats.Norm(hist, 2)
	floats.Scale(1/norm, hist)
	return hist
}

// Combine merges two aggregates (point and line words) into one, renormalized.
func Combine(a, b Aggregate) Aggregate {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(Aggregate, len(a))
	copy(out, a)
	floats.Add(out, b)
	norm := floats.Norm(out, 2)
	floats.Scale(1/norm, out)
	return out
}

// Score returns the similarity of two aggregates in [0, 1].
func Score(a, b Aggregate) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	s := floats.Dot(a, b)
	return math.Max(0, math.Min(1, s))
}
