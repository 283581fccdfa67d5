// Package stereoslam maintains the persistent map of a stereo visual SLAM
// system: keyframe ingestion, landmark association, windowed bundle
// adjustment, loop detection and loop correction. A feature frontend feeds
// it keyframes of stereo points and line segments with an inter-frame pose
// prior; the mapper keeps the map consistent behind it.
package stereoslam

import (
	"io"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/roverlab/stereoslam/associate"
	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/export"
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/loopclose"
	"github.com/roverlab/stereoslam/loopdetect"
	"github.com/roverlab/stereoslam/optimize"
	"github.com/roverlab/stereoslam/pipeline"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
	"github.com/roverlab/stereoslam/vocab"
)

// Mapper is the mapping backend. Keyframes are ingested strictly in creation
// order; in multithread mode ingestion only enqueues and the background
// pipeline drives the same per-keyframe sequence.
type Mapper struct {
	cfg    Config
	cam    *camera.StereoCamera
	logger golog.Logger

	mp     *slammap.Map
	engine *associate.Engine
	opt    *optimize.Optimizer
	det    *loopdetect.Detector
	cor    *loopclose.Corrector
	pipe   *pipeline.Pipeline

	initialized bool
	closed      bool
}

// NewMapper builds a mapper from a validated configuration.
func NewMapper(cam *camera.StereoCamera, cfg Config, logger golog.Logger) (*Mapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cam.CheckValid(); err != nil {
		return nil, err
	}
	model, _ := slammap.LineModelByName(cfg.LineModel)
	mp := slammap.NewMap(model, logger)
	voc := vocab.New(cfg.VocabWords)

	m := &Mapper{
		cfg:    cfg,
		cam:    cam,
		logger: logger,
		mp:     mp,
		engine: associate.NewEngine(mp, cam, cfg.Associate, logger),
		opt:    optimize.New(mp, cam, cfg.Optimize, logger),
		det:    loopdetect.New(mp, cam, voc, cfg.Loop, logger),
		cor:    loopclose.New(mp, nil, cfg.Correct, logger),
	}
	if cfg.Multithread {
		m.pipe = pipeline.New(m.process, cfg.QueueDepth, logger)
	}
	return m, nil
}

// Map exposes the underlying map store.
func (m *Mapper) Map() *slammap.Map { return m.mp }

// LoopState reports the loop corrector's lifecycle state.
func (m *Mapper) LoopState() loopclose.State { return m.cor.State() }

// Initialize registers the first keyframe at the given camera-to-world pose.
func (m *Mapper) Initialize(f *frame.Frame, pose spatial.Pose) (*slammap.Keyframe, error) {
	if m.initialized {
		return nil, errors.New("mapper is already initialized")
	}
	m.filterFeatures(f)
	kf := &slammap.Keyframe{Pose: pose, Frame: f}
	m.mp.AddKeyframe(kf)
	if err := m.det.InsertAggregates(kf); err != nil {
		return nil, err
	}
	m.initialized = true
	return kf, nil
}

// AddKeyframe ingests a new keyframe given the frontend's inter-frame pose
// prior, the transform mapping previous-camera coordinates into the new
// camera frame. In multithread mode this only enqueues the frame and prior;
// the worker goroutine registers the keyframe, so the caller never touches
// the map store. Processing errors surface on Close.
func (m *Mapper) AddKeyframe(f *frame.Frame, prior spatial.Pose) error {
	if m.closed {
		return errors.New("mapper is closed")
	}
	if !m.initialized {
		return errors.New("mapper must be initialized with a first keyframe")
	}
	m.filterFeatures(f)
	if m.pipe != nil {
		m.pipe.Enqueue(f, prior)
		return nil
	}
	return m.process(f, prior)
}

// filterFeatures drops the feature classes the configuration disables and
// clears any stale landmark links the frontend may have left on the frame.
func (m *Mapper) filterFeatures(f *frame.Frame) {
	if !m.cfg.HasPoints {
		f.Points = nil
	}
	if !m.cfg.HasLines {
		f.Lines = nil
	}
	f.ResetAssociations()
}

// process registers the frame as a keyframe and runs the full per-keyframe
// sequence: association, windowed optimization, culling and loop handling.
func (m *Mapper) process(f *frame.Frame, prior spatial.Pose) error {
	prev := m.mp.LastKeyframe()
	curr := &slammap.Keyframe{Pose: prev.Pose.Compose(prior.Inverse()), Frame: f}
	m.mp.AddKeyframe(curr)

	rel, err := m.engine.MatchKeyframes(prev, curr, prior)
	if err != nil {
		return errors.Wrap(err, "keyframe association")
	}
	curr.Pose = prev.Pose.Compose(rel.Inverse())

	if err := m.engine.MatchLocalMap(curr); err != nil {
		return errors.Wrap(err, "local map association")
	}
	if err := m.det.InsertAggregates(curr); err != nil {
		return errors.Wrap(err, "place recognition aggregates")
	}

	m.mp.FormLocalWindow(m.cfg.MinCovWindow, m.cfg.MinKFDistWindow)
	if err := m.opt.Local(); err != nil {
		return errors.Wrap(err, "local optimization")
	}
	m.mp.CullLandmarks(m.cfg.MinObs, m.cfg.CullAge)
	if m.cfg.RemoveRedundant {
		m.mp.RemoveRedundantKeyframes(m.cfg.RedundantRatio, m.cfg.RedundantShared)
	}

	if err := m.detectLoop(curr); err != nil {
		return errors.Wrap(err, "loop handling")
	}
	return nil
}

// detectLoop runs candidate search, verification and, when evidence dries
// up, the pending correction.
func (m *Mapper) detectLoop(curr *slammap.Keyframe) error {
	cand, ok := m.det.FindCandidate(curr)
	if !ok || m.mp.Keyframe(cand) == nil {
		m.cor.NoEvidence()
		_, err := m.cor.MaybeCorrect()
		return err
	}
	edge, err := m.det.Verify(m.mp.Keyframe(cand), curr)
	if err != nil {
		return err
	}
	if edge != nil {
		m.cor.Add(edge)
		return nil
	}
	m.cor.NoEvidence()
	_, err = m.cor.MaybeCorrect()
	return err
}

// GlobalAdjust runs a full-map bundle adjustment. Not on the per-keyframe
// path; intended for end-of-session refinement.
func (m *Mapper) GlobalAdjust() error {
	return m.opt.Global()
}

// WriteTrajectory writes the keyframe trajectory in TUM format.
func (m *Mapper) WriteTrajectory(w io.Writer) error {
	return export.WriteTrajectory(w, m.mp)
}

// SaveSnapshot writes a compressed snapshot of the map.
func (m *Mapper) SaveSnapshot(path string) error {
	return export.SaveSnapshot(path, m.mp)
}

// Close shuts the pipeline down and reports any processing errors it
// accumulated. The map remains readable afterwards.
func (m *Mapper) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.pipe != nil {
		err = multierr.Append(err, m.pipe.Close())
	}
	return err
}
