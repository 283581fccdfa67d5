// Package posegraph optimizes keyframe poses over relative-pose constraints.
// The Optimizer interface is the seam for an external sparse solver; the
// shipped GaussNewton implementation handles the graph sizes this mapper
// produces.
package posegraph

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/roverlab/stereoslam/spatial"
)

// Vertex is one keyframe pose in the graph. Fixed vertices anchor the gauge
// and are returned unchanged.
type Vertex struct {
	ID    int
	Pose  spatial.Pose
	Fixed bool
}

// Edge is a relative-pose constraint: Rel is the measured pose of vertex To
// expressed in vertex From's frame.
type Edge struct {
	From, To int
	Rel      spatial.Pose
}

// Optimizer solves a pose graph and returns the optimized vertex set in the
// same order.
type Optimizer interface {
	Optimize(vertices []Vertex, edges []Edge) ([]Vertex, error)
}

// Config bounds the Gauss-Newton iteration.
type Config struct {
	MaxIters    int     `json:"max_iters"`
	MinStepNorm float64 `json:"min_step_norm"`
	Lambda      float64 `json:"lambda"`
}

// DefaultConfig returns solver bounds suited to loop-closure graphs.
func DefaultConfig() Config {
	return Config{MaxIters: 30, MinStepNorm: 1e-10, Lambda: 1e-6}
}

// GaussNewton is a damped Gauss-Newton pose-graph solver using the
// small-residual tangent approximation for edge Jacobians.
type GaussNewton struct {
	cfg Config
}

// NewGaussNewton returns a solver with the given bounds.
func NewGaussNewton(cfg Config) *GaussNewton {
	if cfg.MaxIters <= 0 {
		cfg = DefaultConfig()
	}
	return &GaussNewton{cfg: cfg}
}

// Optimize implements Optimizer.
func (s *GaussNewton) Optimize(vertices []Vertex, edges []Edge) ([]Vertex, error) {
	if len(vertices) == 0 {
		return nil, errors.New("empty pose graph")
	}
	idx := map[int]int{}
	free := 0
	for i, v := range vertices {
		if _, dup := idx[v.ID]; dup {
			return nil, errors.Errorf("duplicate vertex %d", v.ID)
		}
		idx[v.ID] = i
		if !v.Fixed {
			free++
		}
	}
	if free == 0 {
		return append([]Vertex(nil), vertices...), nil
	}
	for _, e := range edges {
		if _, ok := idx[e.From]; !ok {
			return nil, errors.Errorf("edge references unknown vertex %d", e.From)
		}
		if _, ok := idx[e.To]; !ok {
			return nil, errors.Errorf("edge references unknown vertex %d", e.To)
		}
	}

	out := append([]Vertex(nil), vertices...)
	off := map[int]int{}
	o := 0
	for _, v := range out {
		if !v.Fixed {
			off[v.ID] = o
			o += 6
		}
	}
	dim := o

	for it := 0; it < s.cfg.MaxIters; it++ {
		H := mat.NewSymDense(dim, nil)
		g := make([]float64, dim)

		for _, e := range edges {
			vi := out[idx[e.From]]
			vj := out[idx[e.To]]
			// residual of the measured relative pose in tangent coordinates
			r := spatial.Log(e.Rel.Inverse().Compose(vi.Pose.Inverse()).Compose(vj.Pose))
			oi, freeI := off[vi.ID]
			if vi.Fixed {
				freeI = false
			}
			oj, freeJ := off[vj.ID]
			if vj.Fixed {
				freeJ = false
			}
			for a := 0; a < 6; a++ {
				if freeJ {
					g[oj+a] += r[a]
					H.SetSym(oj+a, oj+a, H.At(oj+a, oj+a)+1)
				}
				if freeI {
					g[oi+a] -= r[a]
					H.SetSym(oi+a, oi+a, H.At(oi+a, oi+a)+1)
				}
				if freeI && freeJ {
					lo, hi := oi+a, oj+a
					if lo > hi {
						lo, hi = hi, lo
					}
					H.SetSym(lo, hi, H.At(lo, hi)-1)
				}
			}
		}

		for i := 0; i < dim; i++ {
			H.SetSym(i, i, H.At(i, i)+s.cfg.Lambda)
		}
		var chol mat.Cholesky
		if !chol.Factorize(H) {
			return nil, errors.New("pose graph normal equations are not positive definite")
		}
		rhs := mat.NewVecDense(dim, nil)
		for i, v := range g {
			rhs.SetVec(i, -v)
		}
		var sol mat.VecDense
		if err := chol.SolveVecTo(&sol, rhs); err != nil {
			return nil, errors.Wrap(err, "pose graph solve")
		}

		stepNorm := 0.0
		for i := range out {
			if out[i].Fixed {
				continue
			}
			o := off[out[i].ID]
			var dx spatial.Vec6
			for a := 0; a < 6; a++ {
				dx[a] = sol.AtVec(o + a)
				stepNorm += dx[a] * dx[a]
			}
			// right-multiplicative update matches the +/-I Jacobian
			// approximation used above
			out[i].Pose = out[i].Pose.Compose(spatial.Exp(dx))
		}
		if math.Sqrt(stepNorm) < s.cfg.MinStepNorm {
			break
		}
	}
	return out, nil
}
