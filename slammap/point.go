package slammap

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/roverlab/stereoslam/frame"
)

// Point is a 3D point landmark. The observation lists are parallel and
// insertion-ordered; entry 0 belongs to the keyframe that anchors the
// landmark.
type Point struct {
	ID  int
	Pos r3.Vector // world frame

	Descs []frame.Descriptor
	Obs   []r2.Point
	Dirs  []r3.Vector // unit viewing directions, world frame
	KFs   []int

	// RepDesc is the representative descriptor: the stored descriptor with
	// the smallest median Hamming distance to its siblings.
	RepDesc frame.Descriptor
	// MedDir is the component-wise median viewing direction.
	MedDir r3.Vector

	Local  bool
	Inlier bool
}

// ObsCount returns the number of stored observations.
func (p *Point) ObsCount() int { return len(p.Obs) }

// AnchorKF returns the owning keyframe of the anchoring observation.
func (p *Point) AnchorKF() int { return p.KFs[0] }

// refreshRepresentative recomputes RepDesc and MedDir after the observation
// lists change.
func (p *Point) refreshRepresentative() {
	p.RepDesc = representativeDesc(p.Descs)
	p.MedDir = medianDir(p.Dirs)
}

// representativeDesc picks the descriptor minimizing the median Hamming
// distance to the others.
func representativeDesc(descs []frame.Descriptor) frame.Descriptor {
	switch len(descs) {
	case 0:
		return nil
	case 1:
		return descs[0]
	}
	best := 0
	bestMed := math.Inf(1)
	dists := make([]float64, 0, len(descs)-1)
	for i, di := range descs {
		dists = dists[:0]
		for j, dj := range descs {
			if i == j {
				continue
			}
			dists = append(dists, float64(frame.HammingDistance(di, dj)))
		}
		sort.Float64s(dists)
		med := stat.Quantile(0.5, stat.Empirical, dists, nil)
		if med < bestMed {
			bestMed = med
			best = i
		}
	}
	return descs[best]
}

// medianDir returns the component-wise median of the direction list,
// renormalized to unit length when possible.
func medianDir(dirs []r3.Vector) r3.Vector {
	if len(dirs) == 0 {
		return r3.Vector{}
	}
	xs := make([]float64, len(dirs))
	ys := make([]float64, len(dirs))
	zs := make([]float64, len(dirs))
	for i, d := range dirs {
		xs[i], ys[i], zs[i] = d.X, d.Y, d.Z
	}
	sort.Float64s(xs)
	sort.Float64s(ys)
	sort.Float64s(zs)
	med := r3.Vector{
		X: stat.Quantile(0.5, stat.Empirical, xs, nil),
		Y: stat.Quantile(0.5, stat.Empirical, ys, nil),
		Z: stat.Quantile(0.5, stat.Empirical, zs, nil),
	}
	if n := med.Norm(); n > 0 {
		return med.Mul(1 / n)
	}
	return med
}
