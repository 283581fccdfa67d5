package stereoslam

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/loopclose"
	"github.com/roverlab/stereoslam/spatial"
)

func testCamera() *camera.StereoCamera {
	return &camera.StereoCamera{
		Width: 640, Height: 480,
		Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
		Baseline: 0.1,
	}
}

func uniqueDesc(r *rand.Rand) frame.Descriptor {
	d := make(frame.Descriptor, 32)
	r.Read(d)
	return d
}

func worldScene(r *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: -1.5 + 3*r.Float64(),
			Y: -1 + 2*r.Float64(),
			Z: 3 + 3*r.Float64(),
		}
	}
	return pts
}

// frameAt renders the shared scene from camera pose c2w, reusing the scene
// descriptors so consecutive frames match.
func frameAt(cam *camera.StereoCamera, c2w spatial.Pose, ts float64,
	pts []r3.Vector, ptDescs []frame.Descriptor,
	segs [][2]r3.Vector, lnDescs []frame.Descriptor,
) *frame.Frame {
	w2c := c2w.Inverse()
	f := &frame.Frame{Timestamp: ts}
	for i, w := range pts {
		pc := w2c.TransformPoint(w)
		f.Points = append(f.Points, &frame.StereoPoint{
			Pixel:    cam.Project(pc),
			P:        pc,
			Desc:     ptDescs[i],
			Landmark: frame.NoLandmark,
		})
	}
	for i, seg := range segs {
		spc := w2c.TransformPoint(seg[0])
		epc := w2c.TransformPoint(seg[1])
		a := cam.Project(spc)
		b := cam.Project(epc)
		l := r3.Vector{X: a.X, Y: a.Y, Z: 1}.Cross(r3.Vector{X: b.X, Y: b.Y, Z: 1})
		l = l.Mul(1 / math.Hypot(l.X, l.Y))
		f.Lines = append(f.Lines, &frame.StereoLine{
			Start: a, End: b,
			LineEq:   l,
			SP:       spc,
			EP:       epc,
			Desc:     lnDescs[i],
			Landmark: frame.NoLandmark,
		})
	}
	return f
}

type scene struct {
	pts     []r3.Vector
	ptDescs []frame.Descriptor
	segs    [][2]r3.Vector
	lnDescs []frame.Descriptor
}

func newScene(r *rand.Rand, nPts, nLns int) *scene {
	s := &scene{pts: worldScene(r, nPts)}
	for range s.pts {
		s.ptDescs = append(s.ptDescs, uniqueDesc(r))
	}
	for i := 0; i < nLns; i++ {
		sp := r3.Vector{X: -1 + 0.1*float64(i), Y: -0.5, Z: 4 + 0.05*float64(i)}
		s.segs = append(s.segs, [2]r3.Vector{sp, sp.Add(r3.Vector{X: 0.6, Y: 0.7, Z: 0.2})})
		s.lnDescs = append(s.lnDescs, uniqueDesc(r))
	}
	return s
}

func (s *scene) frameAt(cam *camera.StereoCamera, c2w spatial.Pose, ts float64) *frame.Frame {
	return frameAt(cam, c2w, ts, s.pts, s.ptDescs, s.segs, s.lnDescs)
}

func TestMapperEndToEnd(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	cam := testCamera()
	logger := golog.NewTestLogger(t)
	sc := newScene(r, 50, 20)

	m, err := NewMapper(cam, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	p0 := spatial.Identity()
	p1 := spatial.Exp(spatial.Vec6{0.05, -0.02, 0.08, 0.01, -0.015, 0.02})
	_, err = m.Initialize(sc.frameAt(cam, p0, 0), p0)
	test.That(t, err, test.ShouldBeNil)

	prior := p1.Inverse().Compose(p0)
	test.That(t, m.AddKeyframe(sc.frameAt(cam, p1, 0.1), prior), test.ShouldBeNil)

	mp := m.Map()
	created := 0
	for _, p := range mp.Points() {
		if p != nil {
			created++
			test.That(t, p.ObsCount(), test.ShouldEqual, 2)
		}
	}
	for _, l := range mp.Lines() {
		if l != nil {
			created++
			test.That(t, l.ObsCount(), test.ShouldEqual, 2)
		}
	}
	test.That(t, created, test.ShouldBeLessThanOrEqualTo, 70)
	test.That(t, created, test.ShouldBeGreaterThan, 60)
	test.That(t, mp.Covisibility().Count(0, 1), test.ShouldEqual, created)

	// noise-free priors: the processed pose must stay at the true one
	diff := spatial.Log(mp.Keyframe(1).Pose.Compose(p1.Inverse()))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, m.LoopState(), test.ShouldEqual, loopclose.StateIdle)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestMapperTrajectoryAndGlobalAdjust(t *testing.T) {
	r := rand.New(rand.NewSource(29))
	cam := testCamera()
	logger := golog.NewTestLogger(t)
	sc := newScene(r, 40, 0)

	cfg := DefaultConfig()
	cfg.HasLines = false
	m, err := NewMapper(cam, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	poses := []spatial.Pose{
		spatial.Identity(),
		spatial.Exp(spatial.Vec6{0.05, 0, 0.05, 0, 0.01, 0}),
		spatial.Exp(spatial.Vec6{0.1, 0, 0.1, 0, 0.02, 0}),
	}
	_, err = m.Initialize(sc.frameAt(cam, poses[0], 0), poses[0])
	test.That(t, err, test.ShouldBeNil)
	for i := 1; i < len(poses); i++ {
		prior := poses[i].Inverse().Compose(poses[i-1])
		test.That(t, m.AddKeyframe(sc.frameAt(cam, poses[i], float64(i)), prior), test.ShouldBeNil)
	}

	test.That(t, m.GlobalAdjust(), test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, m.WriteTrajectory(&buf), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 3)
	for _, ln := range lines {
		test.That(t, len(strings.Fields(ln)), test.ShouldEqual, 8)
	}
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestMapperMultithread(t *testing.T) {
	r := rand.New(rand.NewSource(41))
	cam := testCamera()
	logger := golog.NewTestLogger(t)
	sc := newScene(r, 40, 10)

	cfg := DefaultConfig()
	cfg.Multithread = true
	m, err := NewMapper(cam, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	poses := []spatial.Pose{
		spatial.Identity(),
		spatial.Exp(spatial.Vec6{0.04, 0, 0.04, 0, 0.01, 0}),
		spatial.Exp(spatial.Vec6{0.08, 0, 0.08, 0, 0.02, 0}),
	}
	_, err = m.Initialize(sc.frameAt(cam, poses[0], 0), poses[0])
	test.That(t, err, test.ShouldBeNil)
	for i := 1; i < len(poses); i++ {
		prior := poses[i].Inverse().Compose(poses[i-1])
		test.That(t, m.AddKeyframe(sc.frameAt(cam, poses[i], float64(i)), prior), test.ShouldBeNil)
	}

	// Close drains the queue before returning; keyframe registration
	// happens on the worker, so nothing is visible until the queue drains
	test.That(t, m.Close(), test.ShouldBeNil)

	mp := m.Map()
	test.That(t, mp.NumKeyframes(), test.ShouldEqual, 3)
	for i, want := range poses {
		diff := spatial.Log(mp.Keyframe(i).Pose.Compose(want.Inverse()))
		test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-3)
	}
	for _, p := range mp.Points() {
		if p != nil {
			test.That(t, p.ObsCount(), test.ShouldBeGreaterThanOrEqualTo, 2)
		}
	}
	// closed mappers reject further keyframes and close idempotently
	err = m.AddKeyframe(sc.frameAt(cam, poses[2], 3), spatial.Identity())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestMapperLifecycleErrors(t *testing.T) {
	cam := testCamera()
	logger := golog.NewTestLogger(t)

	m, err := NewMapper(cam, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	err = m.AddKeyframe(&frame.Frame{}, spatial.Identity())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "initialized")

	_, err = m.Initialize(&frame.Frame{}, spatial.Identity())
	test.That(t, err, test.ShouldBeNil)
	_, err = m.Initialize(&frame.Frame{}, spatial.Identity())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestMapperFiltersDisabledFeatures(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	cam := testCamera()
	logger := golog.NewTestLogger(t)
	sc := newScene(r, 10, 10)

	cfg := DefaultConfig()
	cfg.HasLines = false
	m, err := NewMapper(cam, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	kf, err := m.Initialize(sc.frameAt(cam, spatial.Identity(), 0), spatial.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(kf.Frame.Points), test.ShouldEqual, 10)
	test.That(t, kf.Frame.Lines, test.ShouldBeNil)
	test.That(t, m.Close(), test.ShouldBeNil)
}
