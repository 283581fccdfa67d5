// Package associate matches incoming keyframe features against the previous
// keyframe and the local map, extending landmarks with new observations or
// creating them where none exist.
package associate

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/relpose"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

// chi-square inverse CDF at 0.95 with 2 degrees of freedom
const chi2Gate2D = 5.9915

// Config tunes the association passes.
type Config struct {
	Matching frame.MatchingConfig `json:"matching"`
	// MinMatches is the grid-search yield below which the engine falls back
	// to unconstrained ratio-test matching.
	MinMatches int `json:"min_matches"`
	// MaxEpipP is the pixel-distance acceptance gate for map point matches.
	MaxEpipP float64 `json:"max_epip_point"`
	// MaxEpipL is the algebraic-distance gate for both projected endpoints
	// of a map line match.
	MaxEpipL float64 `json:"max_epip_line"`
	// KFInlierRatio gates acceptance of a refined inter-keyframe prior.
	KFInlierRatio float64 `json:"kf_inlier_ratio"`
	// RefinePrior enables the robust re-estimation of the inter-keyframe
	// pose from the matched features.
	RefinePrior bool `json:"refine_prior"`
	// Solver bounds the prior-refinement solver.
	Solver relpose.Config `json:"solver"`
}

// DefaultConfig returns the association tuning used when a config omits it.
func DefaultConfig() Config {
	return Config{
		Matching: frame.MatchingConfig{
			NNRatio:  0.8,
			WindowPx: 20,
			MaxDist:  90,
		},
		MinMatches:    12,
		MaxEpipP:      4,
		MaxEpipL:      4,
		KFInlierRatio: 0.6,
		RefinePrior:   true,
		Solver:        relpose.DefaultConfig(),
	}
}

// Engine runs feature association against a map store.
type Engine struct {
	mp     *slammap.Map
	cam    *camera.StereoCamera
	cfg    Config
	logger golog.Logger
}

// NewEngine returns an association engine bound to a map and camera.
func NewEngine(mp *slammap.Map, cam *camera.StereoCamera, cfg Config, logger golog.Logger) *Engine {
	return &Engine{mp: mp, cam: cam, cfg: cfg, logger: logger}
}

// MatchKeyframes associates features of two consecutive keyframes, creating
// or extending landmarks per match, and returns the (possibly refined)
// relative transform mapping prev-camera coordinates into the curr camera
// frame. When prior refinement is disabled or rejected, the supplied prior is
// returned unchanged.
func (e *Engine) MatchKeyframes(prev, curr *slammap.Keyframe, prior spatial.Pose) (spatial.Pose, error) {
	pointPairs, err := e.matchKFPoints(prev, curr, prior)
	if err != nil {
		return prior, err
	}
	linePairs, err := e.matchKFLines(prev, curr, prior)
	if err != nil {
		return prior, err
	}
	e.logger.Debugw("keyframe association",
		"prev", prev.ID, "curr", curr.ID,
		"pointMatches", len(pointPairs), "lineMatches", len(linePairs))

	if !e.cfg.RefinePrior {
		return prior, nil
	}
	return e.refinePrior(prev, curr, prior, pointPairs, linePairs), nil
}

type featurePair struct{ prev, curr int }

func (e *Engine) matchKFPoints(prev, curr *slammap.Keyframe, prior spatial.Pose) ([]featurePair, error) {
	if len(prev.Frame.Points) == 0 || len(curr.Frame.Points) == 0 {
		return nil, nil
	}
	projected := make([]r2.Point, len(prev.Frame.Points))
	for i, fp := range prev.Frame.Points {
		projected[i] = e.cam.Project(prior.TransformPoint(fp.P))
	}
	grid := frame.NewGrid(frame.DefaultGridRows, frame.DefaultGridCols, float64(e.cam.Width), float64(e.cam.Height))
	for j, fc := range curr.Frame.Points {
		grid.Insert(fc.Pixel, j)
	}
	matches, n := frame.MatchGrid(projected, prev.Frame.PointDescs(), grid, curr.Frame.PointDescs(), &e.cfg.Matching)
	if n < e.cfg.MinMatches {
		matches, _ = frame.Match(prev.Frame.PointDescs(), curr.Frame.PointDescs(), &e.cfg.Matching)
	}

	var pairs []featurePair
	for i, j := range matches {
		if j < 0 || curr.Frame.Points[j].Landmark != frame.NoLandmark {
			continue
		}
		if err := e.extendOrCreatePoint(prev, curr, i, j); err != nil {
			return pairs, err
		}
		pairs = append(pairs, featurePair{i, j})
	}
	return pairs, nil
}

func (e *Engine) matchKFLines(prev, curr *slammap.Keyframe, prior spatial.Pose) ([]featurePair, error) {
	if len(prev.Frame.Lines) == 0 || len(curr.Frame.Lines) == 0 {
		return nil, nil
	}
	projected := make([]r2.Point, len(prev.Frame.Lines))
	for i, fl := range prev.Frame.Lines {
		projected[i] = e.cam.Project(prior.TransformPoint(fl.Midpoint()))
	}
	grid := frame.NewGrid(frame.DefaultGridRows, frame.DefaultGridCols, float64(e.cam.Width), float64(e.cam.Height))
	for j, fc := range curr.Frame.Lines {
		grid.InsertSegment(fc.Start, fc.End, j)
	}
	matches, n := frame.MatchGrid(projected, prev.Frame.LineDescs(), grid, curr.Frame.LineDescs(), &e.cfg.Matching)
	if n < e.cfg.MinMatches {
		matches, _ = frame.Match(prev.Frame.LineDescs(), curr.Frame.LineDescs(), &e.cfg.Matching)
	}

	var pairs []featurePair
	for i, j := range matches {
		if j < 0 || curr.Frame.Lines[j].Landmark != frame.NoLandmark {
			continue
		}
		// geometric consistency: the triangulated endpoints must reproject
		// onto the observed line, or the tentative pairing is dropped
		if !e.lineReprojectionOK(prev.Frame.Lines[i], curr.Frame.Lines[j], prior) {
			continue
		}
		if err := e.extendOrCreateLine(prev, curr, i, j); err != nil {
			return pairs, err
		}
		pairs = append(pairs, featurePair{i, j})
	}
	return pairs, nil
}

func (e *Engine) lineReprojectionOK(fl *frame.StereoLine, fc *frame.StereoLine, prior spatial.Pose) bool {
	var sq float64
	for _, p := range [2]r3.Vector{fl.SP, fl.EP} {
		pc := prior.TransformPoint(p)
		if pc.Z <= 0 {
			return false
		}
		px := e.cam.Project(pc)
		d := fc.LineEq.X*px.X + fc.LineEq.Y*px.Y + fc.LineEq.Z
		sq += d * d
	}
	return sq <= chi2Gate2D
}

func (e *Engine) extendOrCreatePoint(prev, curr *slammap.Keyframe, i, j int) error {
	fp := prev.Frame.Points[i]
	fc := curr.Frame.Points[j]
	if fp.Landmark != frame.NoLandmark {
		lm := e.mp.Point(fp.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d point feature %d references absent landmark %d", prev.ID, i, fp.Landmark)
		}
		if err := e.mp.AddPointObservation(lm.ID, fc.Desc, curr.ID, fc.Pixel, viewDir(curr, lm.Pos)); err != nil {
			return err
		}
		fc.Landmark = lm.ID
		return nil
	}
	world := prev.Pose.TransformPoint(fp.P)
	lm, err := e.mp.CreatePoint(prev.ID, fp.Desc, fp.Pixel, viewDir(prev, world), world)
	if err != nil {
		return err
	}
	fp.Landmark = lm.ID
	if err := e.mp.AddPointObservation(lm.ID, fc.Desc, curr.ID, fc.Pixel, viewDir(curr, world)); err != nil {
		return err
	}
	fc.Landmark = lm.ID
	return nil
}

func (e *Engine) extendOrCreateLine(prev, curr *slammap.Keyframe, i, j int) error {
	fl := prev.Frame.Lines[i]
	fc := curr.Frame.Lines[j]
	seg := slammap.PixelSegment{Start: fc.Start, End: fc.End}
	if fl.Landmark != frame.NoLandmark {
		lm := e.mp.Line(fl.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d line feature %d references absent landmark %d", prev.ID, i, fl.Landmark)
		}
		if err := e.mp.AddLineObservation(lm.ID, fc.Desc, curr.ID, fc.LineEq, seg, viewDir(curr, lm.Midpoint())); err != nil {
			return err
		}
		fc.Landmark = lm.ID
		return nil
	}
	sp := prev.Pose.TransformPoint(fl.SP)
	ep := prev.Pose.TransformPoint(fl.EP)
	mid := sp.Add(ep).Mul(0.5)
	lm, err := e.mp.CreateLine(prev.ID, fl.Desc, fl.LineEq,
		slammap.PixelSegment{Start: fl.Start, End: fl.End}, viewDir(prev, mid), sp, ep)
	if err != nil {
		return err
	}
	fl.Landmark = lm.ID
	if err := e.mp.AddLineObservation(lm.ID, fc.Desc, curr.ID, fc.LineEq, seg, viewDir(curr, mid)); err != nil {
		return err
	}
	fc.Landmark = lm.ID
	return nil
}

// refinePrior re-estimates the inter-keyframe transform from the associated
// features; the refined pose replaces the prior only when the inlier ratio
// of every active feature type clears the configured threshold.
func (e *Engine) refinePrior(prev, curr *slammap.Keyframe, prior spatial.Pose, pointPairs, linePairs []featurePair) spatial.Pose {
	var pobs []relpose.PointObs
	for _, pr := range pointPairs {
		pobs = append(pobs, relpose.PointObs{
			P:   prev.Frame.Points[pr.prev].P,
			Obs: curr.Frame.Points[pr.curr].Pixel,
		})
	}
	var lobs []relpose.LineObs
	for _, pr := range linePairs {
		lobs = append(lobs, relpose.LineObs{
			SP:     prev.Frame.Lines[pr.prev].SP,
			EP:     prev.Frame.Lines[pr.prev].EP,
			LineEq: curr.Frame.Lines[pr.curr].LineEq,
		})
	}

	res, err := relpose.Solve(e.cam, pobs, lobs, prior, e.cfg.Solver)
	if err != nil {
		e.logger.Debugw("prior refinement skipped", "error", err)
		return prior
	}
	if len(pobs) > 0 && float64(len(res.PointInliers))/float64(len(pobs)) < e.cfg.KFInlierRatio {
		return prior
	}
	if len(lobs) > 0 && float64(len(res.LineInliers))/float64(len(lobs)) < e.cfg.KFInlierRatio {
		return prior
	}
	return res.Pose
}

// viewDir is the world-frame unit vector from a keyframe's optical center to
// a landmark position.
func viewDir(kf *slammap.Keyframe, world r3.Vector) r3.Vector {
	d := world.Sub(kf.Pose.Translation())
	if n := d.Norm(); n > 0 {
		return d.Mul(1 / n)
	}
	return r3.Vector{Z: 1}
}
