// Package optimize refines keyframe poses and landmark geometry by damped
// Gauss-Newton over reprojection residuals. The local variant covers the
// current sliding window; the global variant covers the whole map and is
// kept off the per-keyframe critical path.
package optimize

import (
	"github.com/edaniels/golog"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/slammap"
)

// chi-square inverse CDF at 0.95 with 2 degrees of freedom
const chi2Gate2D = 5.9915

// Config bounds the bundle adjustment iterations.
type Config struct {
	MaxIters     int     `json:"max_iters"`
	MinErrChange float64 `json:"min_err_change"`
	MinStepNorm  float64 `json:"min_step_norm"`
	// LambdaFactor scales the largest Hessian diagonal entry into the
	// initial damping value.
	LambdaFactor float64 `json:"lambda_factor"`
	// MaxResidual flags a landmark non-inlier when its mean residual at the
	// solution stays above it.
	MaxResidual float64 `json:"max_residual"`
}

// DefaultConfig returns the optimizer tuning used when a config omits it.
func DefaultConfig() Config {
	return Config{
		MaxIters:     25,
		MinErrChange: 1e-9,
		MinStepNorm:  1e-9,
		LambdaFactor: 1e-5,
		MaxResidual:  2.0,
	}
}

// Optimizer runs bundle adjustment against a map store.
type Optimizer struct {
	mp     *slammap.Map
	cam    *camera.StereoCamera
	cfg    Config
	logger golog.Logger
}

// New returns an optimizer bound to a map and camera.
func New(mp *slammap.Map, cam *camera.StereoCamera, cfg Config, logger golog.Logger) *Optimizer {
	if cfg.MaxIters <= 0 {
		cfg = DefaultConfig()
	}
	return &Optimizer{mp: mp, cam: cam, cfg: cfg, logger: logger}
}

// Local optimizes the poses and landmarks of the current local window. The
// oldest keyframe in the window anchors the gauge and stays fixed.
func (o *Optimizer) Local() error {
	var kfs, pts, lns []int
	for _, kf := range o.mp.Keyframes() {
		if kf != nil && kf.Local {
			kfs = append(kfs, kf.ID)
		}
	}
	for _, p := range o.mp.Points() {
		if p != nil && p.Local && p.Inlier && p.ObsCount() >= 2 {
			pts = append(pts, p.ID)
		}
	}
	for _, l := range o.mp.Lines() {
		if l != nil && l.Local && l.Inlier && l.ObsCount() >= 2 {
			lns = append(lns, l.ID)
		}
	}
	return o.run(kfs, pts, lns)
}

// Global optimizes every live keyframe and landmark; the origin keyframe
// stays fixed.
func (o *Optimizer) Global() error {
	var kfs, pts, lns []int
	for _, kf := range o.mp.Keyframes() {
		if kf != nil {
			kfs = append(kfs, kf.ID)
		}
	}
	for _, p := range o.mp.Points() {
		if p != nil && p.Inlier && p.ObsCount() >= 2 {
			pts = append(pts, p.ID)
		}
	}
	for _, l := range o.mp.Lines() {
		if l != nil && l.Inlier && l.ObsCount() >= 2 {
			lns = append(lns, l.ID)
		}
	}
	return o.run(kfs, pts, lns)
}
