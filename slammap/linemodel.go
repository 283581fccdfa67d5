package slammap

import (
	"math"

	"github.com/golang/geo/r3"
)

// LineModel selects how line-segment landmarks are parameterized during
// optimization. Exactly one model is active per map; representations are
// never mixed within a run, but the choice is a runtime configuration, not a
// build-time one.
type LineModel interface {
	// Name identifies the model in configs and logs.
	Name() string
	// Dim is the number of optimizable parameters per line.
	Dim() int
	// Params extracts the parameter vector from a line landmark.
	Params(l *Line) []float64
	// Apply writes an updated parameter vector back to the landmark,
	// reconstructing the endpoint geometry.
	Apply(l *Line, x []float64)
}

// EndpointModel parameterizes a line by its two 3D endpoints (6 parameters,
// Euclidean update).
type EndpointModel struct{}

// Name implements LineModel.
func (EndpointModel) Name() string { return "endpoints" }

// Dim implements LineModel.
func (EndpointModel) Dim() int { return 6 }

// Params implements LineModel.
func (EndpointModel) Params(l *Line) []float64 {
	return []float64{l.SP.X, l.SP.Y, l.SP.Z, l.EP.X, l.EP.Y, l.EP.Z}
}

// Apply implements LineModel.
func (EndpointModel) Apply(l *Line, x []float64) {
	l.SP = r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	l.EP = r3.Vector{X: x[3], Y: x[4], Z: x[5]}
}

// PluckerModel parameterizes the infinite supporting line in orthonormal
// coordinates (4 parameters). Endpoints are re-derived by projecting the
// previous endpoints onto the updated line, preserving segment extent.
type PluckerModel struct{}

// Name implements LineModel.
func (PluckerModel) Name() string { return "plucker" }

// Dim implements LineModel.
func (PluckerModel) Dim() int { return 4 }

// Params implements LineModel.
func (PluckerModel) Params(l *Line) []float64 {
	n, v := EndpointsToPlucker(l.SP, l.EP)
	o := PluckerToOrthonormal(n, v)
	return o[:]
}

// Apply implements LineModel.
func (PluckerModel) Apply(l *Line, x []float64) {
	var o [4]float64
	copy(o[:], x)
	n, v := OrthonormalToPlucker(o)
	// closest point on the updated line to the origin, then slide the old
	// endpoints onto the line along v
	p0 := v.Cross(n)
	sp := p0.Add(v.Mul(l.SP.Sub(p0).Dot(v)))
	ep := p0.Add(v.Mul(l.EP.Sub(p0).Dot(v)))
	l.SP = sp
	l.EP = ep
}

// EndpointsToPlucker converts segment endpoints into Plücker coordinates
// (n = p x q, v = unit direction).
func EndpointsToPlucker(p, q r3.Vector) (n, v r3.Vector) {
	v = q.Sub(p)
	if norm := v.Norm(); norm > 0 {
		v = v.Mul(1 / norm)
	}
	n = p.Cross(q)
	if nn := q.Sub(p).Norm(); nn > 0 {
		n = n.Mul(1 / nn)
	}
	return n, v
}

// PluckerToOrthonormal converts Plücker coordinates (n, v) into the minimal
// orthonormal representation: three angles of the U in SO(3) built from
// (n̂, v̂, n̂ x v̂) and one angle for the (|n|, |v|) 2D rotation.
func PluckerToOrthonormal(n, v r3.Vector) [4]float64 {
	nn := n.Norm()
	nv := v.Norm()
	u1 := safeUnit(n)
	u2 := safeUnit(v)
	u3 := u1.Cross(u2)
	// rotation matrix [u1 u2 u3] (columns) -> intrinsic XYZ angles
	theta1 := math.Atan2(u2.Z, u3.Z)
	theta2 := math.Atan2(-u1.Z, math.Hypot(u2.Z, u3.Z))
	theta3 := math.Atan2(u1.Y, u1.X)
	phi := math.Atan2(nv, nn)
	return [4]float64{theta1, theta2, theta3, phi}
}

// OrthonormalToPlucker inverts PluckerToOrthonormal.
func OrthonormalToPlucker(o [4]float64) (n, v r3.Vector) {
	c1, s1 := math.Cos(o[0]), math.Sin(o[0])
	c2, s2 := math.Cos(o[1]), math.Sin(o[1])
	c3, s3 := math.Cos(o[2]), math.Sin(o[2])
	// R = Rz(theta3) * Ry(theta2) * Rx(theta1); columns are (u1, u2, u3)
	u1 := r3.Vector{X: c3 * c2, Y: s3 * c2, Z: -s2}
	u2 := r3.Vector{
		X: c3*s2*s1 - s3*c1,
		Y: s3*s2*s1 + c3*c1,
		Z: c2 * s1,
	}
	w1, w2 := math.Cos(o[3]), math.Sin(o[3])
	// scale chosen so direction stays unit length; n carries the distance
	if w2 != 0 {
		n = u1.Mul(w1 / w2)
	} else {
		n = u1
	}
	v = u2
	return n, v
}

// LineModelByName returns the model for a config name.
func LineModelByName(name string) (LineModel, bool) {
	switch name {
	case "", "endpoints":
		return EndpointModel{}, true
	case "plucker":
		return PluckerModel{}, true
	}
	return nil, false
}

func safeUnit(v r3.Vector) r3.Vector {
	n := v.Norm()
	if n == 0 {
		return r3.Vector{X: 1}
	}
	return v.Mul(1 / n)
}
