// Package loopclose applies verified loop edges to the map: it drives the
// pending-edge state machine, runs the pose-graph correction, rewrites
// keyframe poses and their anchored landmarks, and fuses the duplicate
// landmarks a closed loop reveals.
package loopclose

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/roverlab/stereoslam/loopdetect"
	"github.com/roverlab/stereoslam/posegraph"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

// State is the corrector lifecycle.
type State int

const (
	// StateIdle means no loop evidence is pending.
	StateIdle State = iota
	// StateActive means at least one verified edge awaits correction.
	StateActive
	// StateReady means candidate search produced no further evidence and
	// the pending edges should be applied.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Config tunes pose-graph construction.
type Config struct {
	// CovThreshold adds a graph edge for any keyframe pair sharing at least
	// this many landmarks.
	CovThreshold int `json:"cov_threshold"`
	// Solver bounds the shipped pose-graph optimizer.
	Solver posegraph.Config `json:"solver"`
}

// DefaultConfig returns the correction tuning used when a config omits it.
func DefaultConfig() Config {
	return Config{CovThreshold: 30, Solver: posegraph.DefaultConfig()}
}

// Corrector accumulates verified loop edges and applies them to the map.
type Corrector struct {
	mp     *slammap.Map
	opt    posegraph.Optimizer
	cfg    Config
	logger golog.Logger

	state State
	edges []*loopdetect.Edge
}

// New returns a corrector using the given pose-graph optimizer; a nil
// optimizer selects the shipped Gauss-Newton solver.
func New(mp *slammap.Map, opt posegraph.Optimizer, cfg Config, logger golog.Logger) *Corrector {
	if opt == nil {
		opt = posegraph.NewGaussNewton(cfg.Solver)
	}
	return &Corrector{mp: mp, opt: opt, cfg: cfg, logger: logger, state: StateIdle}
}

// State reports the current lifecycle state.
func (c *Corrector) State() State { return c.state }

// PendingEdges reports how many verified edges await correction.
func (c *Corrector) PendingEdges() int { return len(c.edges) }

// Add records a verified loop edge and arms the corrector.
func (c *Corrector) Add(edge *loopdetect.Edge) {
	c.edges = append(c.edges, edge)
	c.state = StateActive
	c.logger.Debugw("loop edge pending", "from", edge.From, "to", edge.To, "pending", len(c.edges))
}

// NoEvidence signals that candidate search found nothing this step. An armed
// corrector becomes ready to apply its pending edges.
func (c *Corrector) NoEvidence() {
	if c.state == StateActive {
		c.state = StateReady
	}
}

// MaybeCorrect runs the pose-graph correction when the corrector is ready.
// It returns whether a correction was applied.
func (c *Corrector) MaybeCorrect() (bool, error) {
	if c.state != StateReady || len(c.edges) == 0 {
		c.state = StateIdle
		return false, nil
	}
	if err := c.correct(); err != nil {
		return false, err
	}
	for _, e := range c.edges {
		if err := c.fuse(e); err != nil {
			return false, err
		}
		e.Unoptimized = false
	}
	c.edges = nil
	c.state = StateIdle
	return true, nil
}

// correct optimizes the pose graph spanning the earliest pending edge to the
// newest keyframe and rewrites the affected poses and landmarks.
func (c *Corrector) correct() error {
	from := c.edges[0].From
	to := c.edges[0].To
	for _, e := range c.edges {
		if e.From < from {
			from = e.From
		}
		if e.To > to {
			to = e.To
		}
	}

	var vertices []posegraph.Vertex
	var inRange []*slammap.Keyframe
	for id := from; id <= to; id++ {
		kf := c.mp.Keyframe(id)
		if kf == nil {
			continue
		}
		inRange = append(inRange, kf)
		vertices = append(vertices, posegraph.Vertex{
			ID:   kf.ID,
			Pose: kf.Pose,
			// the earliest keyframe in range anchors the correction
			Fixed: len(vertices) == 0,
		})
	}
	if len(vertices) < 2 {
		return errors.New("loop correction needs at least two keyframes in range")
	}

	cov := c.mp.Covisibility()
	var edges []posegraph.Edge
	for i := 0; i < len(inRange); i++ {
		for j := i + 1; j < len(inRange); j++ {
			a, b := inRange[i], inRange[j]
			if j != i+1 && cov.Count(a.ID, b.ID) < c.cfg.CovThreshold {
				continue
			}
			edges = append(edges, posegraph.Edge{
				From: a.ID, To: b.ID,
				Rel: a.Pose.Inverse().Compose(b.Pose),
			})
		}
	}
	for _, e := range c.edges {
		edges = append(edges, posegraph.Edge{From: e.From, To: e.To, Rel: e.Rel})
	}

	out, err := c.opt.Optimize(vertices, edges)
	if err != nil {
		return errors.Wrap(err, "pose graph optimization")
	}

	c.mp.Lock()
	defer c.mp.Unlock()
	last := spatial.Identity()
	for i, kf := range inRange {
		old := kf.Pose
		kf.Pose = out[i].Pose
		correction := kf.Pose.Compose(old.Inverse())
		c.moveAnchored(kf.ID, correction)
		last = correction
	}
	// keyframes beyond the optimized range carry the same undetected drift;
	// apply the newest correction uniformly until they are revisited
	for id := to + 1; id <= c.mp.MaxKeyframeID(); id++ {
		if kf := c.mp.Keyframe(id); kf != nil {
			kf.Pose = last.Compose(kf.Pose)
			c.moveAnchored(kf.ID, last)
		}
	}
	c.logger.Infow("loop correction applied", "from", from, "to", to, "edges", len(c.edges))
	return nil
}

// moveAnchored applies a world-frame rigid correction to every landmark
// anchored at a keyframe.
func (c *Corrector) moveAnchored(kfID int, tf spatial.Pose) {
	if pts := c.mp.PointAnchors(kfID); pts != nil {
		it := pts.Iterator()
		for it.HasNext() {
			if p := c.mp.Point(int(it.Next())); p != nil {
				p.Pos = tf.TransformPoint(p.Pos)
				for i := range p.Dirs {
					p.Dirs[i] = tf.TransformDir(p.Dirs[i])
				}
				p.MedDir = tf.TransformDir(p.MedDir)
			}
		}
	}
	if lns := c.mp.LineAnchors(kfID); lns != nil {
		it := lns.Iterator()
		for it.HasNext() {
			if l := c.mp.Line(int(it.Next())); l != nil {
				l.SP = tf.TransformPoint(l.SP)
				l.EP = tf.TransformPoint(l.EP)
				for i := range l.Dirs {
					l.Dirs[i] = tf.TransformDir(l.Dirs[i])
				}
				l.MedDir = tf.TransformDir(l.MedDir)
			}
		}
	}
}
