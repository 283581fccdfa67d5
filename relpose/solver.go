// Package relpose estimates the rigid transform between two keyframes from
// matched stereo features. The same solver backs the association engine's
// prior refinement and the loop detector's geometric verification.
package relpose

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/spatial"
)

// chi-square inverse CDF at 0.95 with 2 degrees of freedom; residuals are 2D
const chi2Gate2D = 5.9915

// ErrInsufficientMatches reports that too few correspondences were supplied
// to constrain a 6-DoF pose. Callers keep their prior and carry on.
var ErrInsufficientMatches = errors.New("too few matches for relative pose estimation")

// PointObs is one matched point: the 3D position in the source keyframe's
// camera frame and the pixel it was observed at in the target keyframe.
type PointObs struct {
	P   r3.Vector
	Obs r2.Point
}

// LineObs is one matched line segment: the 3D endpoints in the source
// keyframe's camera frame and the observed pixel line equation (a, b, c with
// a^2 + b^2 = 1) in the target keyframe.
type LineObs struct {
	SP, EP r3.Vector
	LineEq r3.Vector
}

// Config bounds the iteration of both solver phases.
type Config struct {
	MaxIters     int     `json:"max_iters"`
	MinErrChange float64 `json:"min_err_change"`
	MinStepNorm  float64 `json:"min_step_norm"`
	MinMatches   int     `json:"min_matches"`
}

// DefaultConfig returns the solver bounds used when a config omits them.
func DefaultConfig() Config {
	return Config{MaxIters: 10, MinErrChange: 1e-7, MinStepNorm: 1e-7, MinMatches: 6}
}

// Result is the solver output.
type Result struct {
	// Pose is the refined transform mapping source-camera coordinates into
	// the target camera frame.
	Pose spatial.Pose
	// Increment is Pose in minimal tangent coordinates.
	Increment spatial.Vec6
	// Residual is the weighted mean residual norm over surviving
	// observations at the solution.
	Residual float64
	// MaxEigen is the largest eigenvalue of the inverse Hessian at the
	// solution, an uncertainty bound on the estimate.
	MaxEigen float64
	// PointInliers and LineInliers index the observations that survived the
	// chi-square prune.
	PointInliers []int
	LineInliers  []int
}

// Solve runs the two-phase robust Gauss-Newton estimation. Phase one iterates
// over all observations with Cauchy reweighting; phase two removes every
// observation whose squared residual norm exceeds the 95% 2-DoF chi-square
// gate and re-optimizes over the survivors.
func Solve(cam *camera.StereoCamera, points []PointObs, lines []LineObs, prior spatial.Pose, cfg Config) (*Result, error) {
	if cfg.MaxIters <= 0 {
		cfg = DefaultConfig()
	}
	if len(points)+len(lines) < cfg.MinMatches {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d points, %d lines", len(points), len(lines))
	}

	pose := prior
	pose = iterate(cam, points, lines, pose, cfg)

	// hard prune against the final phase-one pose
	var pIn, lIn []int
	var kept []PointObs
	var keptL []LineObs
	for i, po := range points {
		r, ok := pointResidual(cam, pose, po)
		if ok && r[0]*r[0]+r[1]*r[1] <= chi2Gate2D {
			pIn = append(pIn, i)
			kept = append(kept, po)
		}
	}
	for i, lo := range lines {
		r, ok := lineResidual(cam, pose, lo)
		if ok && r[0]*r[0]+r[1]*r[1] <= chi2Gate2D {
			lIn = append(lIn, i)
			keptL = append(keptL, lo)
		}
	}
	if len(kept)+len(keptL) < cfg.MinMatches {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d survivors of %d", len(kept)+len(keptL), len(points)+len(lines))
	}
	pose = iterate(cam, kept, keptL, pose, cfg)

	res := &Result{
		Pose:         pose,
		Increment:    spatial.Log(pose),
		PointInliers: pIn,
		LineInliers:  lIn,
	}
	res.Residual, res.MaxEigen = assess(cam, kept, keptL, pose)
	return res, nil
}

// iterate runs damped Gauss-Newton with Cauchy weights until a stop
// criterion fires.
func iterate(cam *camera.StereoCamera, points []PointObs, lines []LineObs, pose spatial.Pose, cfg Config) spatial.Pose {
	prevErr := math.Inf(1)
	for it := 0; it < cfg.MaxIters; it++ {
		H := mat.NewSymDense(6, nil)
		g := mat.NewVecDense(6, nil)
		totalErr := 0.0
		n := 0

		accumulate := func(r [2]float64, J [2][6]float64) {
			norm2 := r[0]*r[0] + r[1]*r[1]
			w := 1.0 / (1.0 + norm2)
			for a := 0; a < 6; a++ {
				for b := a; b < 6; b++ {
					H.SetSym(a, b, H.At(a, b)+w*(J[0][a]*J[0][b]+J[1][a]*J[1][b]))
				}
				g.SetVec(a, g.AtVec(a)+w*(J[0][a]*r[0]+J[1][a]*r[1]))
			}
			totalErr += w * norm2
			n++
		}

		for _, po := range points {
			r, J, ok := pointResidualJac(cam, pose, po)
			if !ok {
				continue
			}
			accumulate(r, J)
		}
		for _, lo := range lines {
			r, J, ok := lineResidualJac(cam, pose, lo)
			if !ok {
				continue
			}
			accumulate(r, J)
		}
		if n == 0 {
			return pose
		}

		dx, ok := solveStep(H, g)
		if !ok {
			return pose
		}
		pose = spatial.Exp(dx).Compose(pose)

		if dx.Norm() < cfg.MinStepNorm || math.Abs(prevErr-totalErr) < cfg.MinErrChange || totalErr < cfg.MinErrChange {
			return pose
		}
		prevErr = totalErr
	}
	return pose
}

// solveStep solves H dx = -g, falling back to a damped system when the
// Hessian is not positive definite.
func solveStep(H *mat.SymDense, g *mat.VecDense) (spatial.Vec6, bool) {
	var chol mat.Cholesky
	if !chol.Factorize(H) {
		maxDiag := 0.0
		for i := 0; i < 6; i++ {
			if d := math.Abs(H.At(i, i)); d > maxDiag {
				maxDiag = d
			}
		}
		damped := mat.NewSymDense(6, nil)
		damped.CopySym(H)
		lambda := 1e-5 * maxDiag
		if lambda == 0 {
			return spatial.Vec6{}, false
		}
		for i := 0; i < 6; i++ {
			damped.SetSym(i, i, damped.At(i, i)+lambda)
		}
		if !chol.Factorize(damped) {
			return spatial.Vec6{}, false
		}
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, g); err != nil {
		return spatial.Vec6{}, false
	}
	var dx spatial.Vec6
	for i := 0; i < 6; i++ {
		dx[i] = -sol.AtVec(i)
	}
	return dx, true
}

// assess computes the weighted mean residual and the largest eigenvalue of
// the inverse Hessian at the solution.
func assess(cam *camera.StereoCamera, points []PointObs, lines []LineObs, pose spatial.Pose) (meanRes, maxEig float64) {
	H := mat.NewSymDense(6, nil)
	sumRes, sumW := 0.0, 0.0
	add := func(r [2]float64, J [2][6]float64) {
		norm := math.Hypot(r[0], r[1])
		w := 1.0 / (1.0 + norm*norm)
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				H.SetSym(a, b, H.At(a, b)+w*(J[0][a]*J[0][b]+J[1][a]*J[1][b]))
			}
		}
		sumRes += w * norm
		sumW += w
	}
	for _, po := range points {
		if r, J, ok := pointResidualJac(cam, pose, po); ok {
			add(r, J)
		}
	}
	for _, lo := range lines {
		if r, J, ok := lineResidualJac(cam, pose, lo); ok {
			add(r, J)
		}
	}
	if sumW > 0 {
		meanRes = sumRes / sumW
	}

	var chol mat.Cholesky
	if !chol.Factorize(H) {
		return meanRes, math.Inf(1)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return meanRes, math.Inf(1)
	}
	var eig mat.EigenSym
	if !eig.Factorize(&inv, false) {
		return meanRes, math.Inf(1)
	}
	vals := eig.Values(nil)
	for _, v := range vals {
		if v > maxEig {
			maxEig = v
		}
	}
	return meanRes, maxEig
}
