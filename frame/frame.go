// Package frame defines the per-keyframe feature sets produced by the stereo
// frontend: triangulated point features, triangulated line-segment features,
// and their binary descriptors, together with descriptor matching.
package frame

import (
	"math/bits"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// NoLandmark marks a feature not yet associated with a map landmark.
const NoLandmark = -1

// Descriptor is a binary feature descriptor compared under Hamming distance.
type Descriptor []byte

// HammingDistance counts differing bits between two descriptors. Descriptors
// of unequal length are incomparable and report the maximum distance.
func HammingDistance(a, b Descriptor) int {
	if len(a) != len(b) || len(a) == 0 {
		return 8 * maxInt(len(a), len(b))
	}
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// StereoPoint is a stereo-triangulated point feature.
type StereoPoint struct {
	Pixel r2.Point   // left-image location
	P     r3.Vector  // camera-frame 3D position
	Desc  Descriptor // left-image descriptor

	// Landmark is the map landmark this feature observes, or NoLandmark.
	Landmark int
}

// StereoLine is a stereo-triangulated line-segment feature.
type StereoLine struct {
	Start  r2.Point  // segment endpoints in the left image
	End    r2.Point
	LineEq r3.Vector // normalized pixel line equation (a, b, c)
	SP, EP r3.Vector // camera-frame 3D endpoints
	Desc   Descriptor

	Landmark int
}

// Frame is the feature snapshot the frontend produces per candidate keyframe.
type Frame struct {
	Timestamp float64
	Points    []*StereoPoint
	Lines     []*StereoLine
}

// ResetAssociations clears all feature-to-landmark links; called once when a
// frame is promoted to keyframe, before matching.
func (f *Frame) ResetAssociations() {
	for _, pt := range f.Points {
		if pt != nil {
			pt.Landmark = NoLandmark
		}
	}
	for _, ls := range f.Lines {
		if ls != nil {
			ls.Landmark = NoLandmark
		}
	}
}

// PointDescs collects the point descriptors in feature order.
func (f *Frame) PointDescs() []Descriptor {
	out := make([]Descriptor, len(f.Points))
	for i, pt := range f.Points {
		if pt != nil {
			out[i] = pt.Desc
		}
	}
	return out
}

// LineDescs collects the line descriptors in feature order.
func (f *Frame) LineDescs() []Descriptor {
	out := make([]Descriptor, len(f.Lines))
	for i, ls := range f.Lines {
		if ls != nil {
			out[i] = ls.Desc
		}
	}
	return out
}

// Midpoint returns the midpoint of the segment's 3D endpoints.
func (l *StereoLine) Midpoint() r3.Vector {
	return l.SP.Add(l.EP).Mul(0.5)
}
