// Package spatial provides the minimal SE(3) machinery used by the mapping
// backend: rigid transforms stored as rotation matrix plus translation, and the
// exponential/logarithm maps between transforms and their 6-vector tangent
// parameterization (translation first, rotation last).
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// rotEpsilon bounds the small-angle branch of the exp/log maps.
const rotEpsilon = 1e-10

// Vec6 is a tangent-space pose increment: [tx ty tz wx wy wz].
type Vec6 [6]float64

// Translation returns the translational part.
func (v Vec6) Translation() r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// Rotation returns the rotational part (axis-angle vector).
func (v Vec6) Rotation() r3.Vector {
	return r3.Vector{X: v[3], Y: v[4], Z: v[5]}
}

// Norm returns the Euclidean norm of the full 6-vector.
func (v Vec6) Norm() float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// Add returns v + w component-wise.
func (v Vec6) Add(w Vec6) Vec6 {
	var out Vec6
	for i := range v {
		out[i] = v[i] + w[i]
	}
	return out
}

// Pose is a rigid transform from one frame to another. A keyframe pose maps
// camera-frame coordinates into the world frame.
type Pose struct {
	rot [9]float64 // row major 3x3
	t   r3.Vector
}

// NewPose builds a pose from a row-major 3x3 rotation and a translation.
func NewPose(rot *mat.Dense, t r3.Vector) Pose {
	var p Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.rot[3*i+j] = rot.At(i, j)
		}
	}
	p.t = t
	return p
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{rot: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Translation returns the translational part.
func (p Pose) Translation() r3.Vector { return p.t }

// Rotation returns the rotation as a dense 3x3 matrix.
func (p Pose) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), p.rot[:]...))
}

// rotate applies only the rotation to v.
func (p Pose) rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.rot[0]*v.X + p.rot[1]*v.Y + p.rot[2]*v.Z,
		Y: p.rot[3]*v.X + p.rot[4]*v.Y + p.rot[5]*v.Z,
		Z: p.rot[6]*v.X + p.rot[7]*v.Y + p.rot[8]*v.Z,
	}
}

// TransformPoint applies the full rigid transform to a point.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return p.rotate(v).Add(p.t)
}

// TransformDir applies only the rotation, for direction vectors.
func (p Pose) TransformDir(v r3.Vector) r3.Vector {
	return p.rotate(v)
}

// Compose returns p * q, the transform applying q first and p second.
func (p Pose) Compose(q Pose) Pose {
	var out Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += p.rot[3*i+k] * q.rot[3*k+j]
			}
			out.rot[3*i+j] = s
		}
	}
	out.t = p.rotate(q.t).Add(p.t)
	return out
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	var out Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[3*i+j] = p.rot[3*j+i]
		}
	}
	out.t = out.rotate(p.t).Mul(-1)
	return out
}

// Exp maps a tangent vector to a rigid transform (full SE(3) exponential,
// including the coupling of rotation into translation).
func Exp(v Vec6) Pose {
	w := v.Rotation()
	u := v.Translation()
	theta := w.Norm()

	wx := skew(w)
	wx2 := matMul(wx, wx)

	var a, b, c float64
	if theta < rotEpsilon {
		// second order Taylor expansions
		a = 1 - theta*theta/6
		b = 0.5 - theta*theta/24
		c = 1.0/6 - theta*theta/120
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
		c = (theta - math.Sin(theta)) / (theta * theta * theta)
	}

	var p Pose
	for i := 0; i < 9; i++ {
		p.rot[i] = ident9[i] + a*wx[i] + b*wx2[i]
	}
	var vm [9]float64
	for i := 0; i < 9; i++ {
		vm[i] = ident9[i] + b*wx[i] + c*wx2[i]
	}
	p.t = apply9(vm, u)
	return p
}

// Log maps a rigid transform to its tangent vector, inverse of Exp.
func Log(p Pose) Vec6 {
	tr := p.rot[0] + p.rot[4] + p.rot[8]
	cos := (tr - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	theta := math.Acos(cos)

	var w r3.Vector
	if theta < rotEpsilon {
		w = r3.Vector{}
	} else {
		s := theta / (2 * math.Sin(theta))
		w = r3.Vector{
			X: s * (p.rot[7] - p.rot[5]),
			Y: s * (p.rot[2] - p.rot[6]),
			Z: s * (p.rot[3] - p.rot[1]),
		}
	}

	wx := skew(w)
	wx2 := matMul(wx, wx)
	var b float64
	if theta < rotEpsilon {
		b = 1.0 / 12
	} else {
		b = (1 - theta*math.Cos(theta/2)/(2*math.Sin(theta/2))) / (theta * theta)
	}
	var vinv [9]float64
	for i := 0; i < 9; i++ {
		vinv[i] = ident9[i] - 0.5*wx[i] + b*wx2[i]
	}
	u := apply9(vinv, p.t)

	return Vec6{u.X, u.Y, u.Z, w.X, w.Y, w.Z}
}

var ident9 = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

func skew(w r3.Vector) [9]float64 {
	return [9]float64{
		0, -w.Z, w.Y,
		w.Z, 0, -w.X,
		-w.Y, w.X, 0,
	}
}

func matMul(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += a[3*i+k] * b[3*k+j]
			}
			out[3*i+j] = s
		}
	}
	return out
}

func apply9(m [9]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}
