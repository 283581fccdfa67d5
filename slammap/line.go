package slammap

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/roverlab/stereoslam/frame"
)

// PixelSegment is an observed 2D line segment in the left image.
type PixelSegment struct {
	Start r2.Point
	End   r2.Point
}

// Line is a 3D line-segment landmark. As with Point, all observation lists
// are parallel, insertion-ordered, and anchored by entry 0. The 3D geometry
// is always stored as endpoints; the Plücker coordinates are derived through
// the active LineModel when that representation is selected.
type Line struct {
	ID int
	SP r3.Vector // world-frame endpoints
	EP r3.Vector

	Descs []frame.Descriptor
	// Obs holds the observed pixel line equation (a, b, c) per observation.
	Obs []r3.Vector
	// Segs holds the observed pixel endpoints per observation.
	Segs []PixelSegment
	Dirs []r3.Vector
	KFs  []int

	RepDesc frame.Descriptor
	MedDir  r3.Vector

	Local  bool
	Inlier bool
}

// ObsCount returns the number of stored observations.
func (l *Line) ObsCount() int { return len(l.Obs) }

// AnchorKF returns the owning keyframe of the anchoring observation.
func (l *Line) AnchorKF() int { return l.KFs[0] }

// Midpoint returns the world-frame midpoint of the segment.
func (l *Line) Midpoint() r3.Vector {
	return l.SP.Add(l.EP).Mul(0.5)
}

func (l *Line) refreshRepresentative() {
	l.RepDesc = representativeDesc(l.Descs)
	l.MedDir = medianDir(l.Dirs)
}
