package loopdetect

import (
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
	"github.com/roverlab/stereoslam/vocab"
)

func testCamera() *camera.StereoCamera {
	return &camera.StereoCamera{
		Width: 640, Height: 480,
		Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
		Baseline: 0.1,
	}
}

func newDetector(t *testing.T, mp *slammap.Map) *Detector {
	t.Helper()
	return New(mp, testCamera(), vocab.New(vocab.DefaultWords), DefaultConfig(), golog.NewTestLogger(t))
}

// emptyKeyframes fills a map with n keyframes carrying empty frames.
func emptyKeyframes(mp *slammap.Map, n int) {
	for i := 0; i < n; i++ {
		mp.AddKeyframe(&slammap.Keyframe{Pose: spatial.Identity(), Frame: &frame.Frame{}})
	}
}

// seedTemporalScores gives every adjacent keyframe pair the same similarity,
// establishing the adaptive floor.
func seedTemporalScores(mp *slammap.Map, n int, score float64) {
	for i := 0; i+1 < n; i++ {
		mp.Similarity().Set(i, i+1, score)
	}
}

func TestFindCandidateBelowFloor(t *testing.T) {
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	emptyKeyframes(mp, 30)
	seedTemporalScores(mp, 30, 0.5)
	curr := mp.Keyframe(29)

	// every old candidate scores under the floor
	for id := 0; id <= 9; id++ {
		mp.Similarity().Set(29, id, 0.3)
	}

	d := newDetector(t, mp)
	_, ok := d.FindCandidate(curr)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFindCandidateAccepted(t *testing.T) {
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	emptyKeyframes(mp, 30)
	seedTemporalScores(mp, 30, 0.5)
	curr := mp.Keyframe(29)

	for id := 0; id <= 9; id++ {
		mp.Similarity().Set(29, id, 0.1)
	}
	mp.Similarity().Set(29, 5, 0.9)
	// clustering support within the index window
	mp.Similarity().Set(29, 4, 0.45)
	mp.Similarity().Set(29, 6, 0.45)

	d := newDetector(t, mp)
	best, ok := d.FindCandidate(curr)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, best, test.ShouldEqual, 5)
}

func TestFindCandidateNeedsClustering(t *testing.T) {
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	emptyKeyframes(mp, 30)
	seedTemporalScores(mp, 30, 0.5)
	curr := mp.Keyframe(29)

	// a lone high score with no temporal support is perceptual aliasing
	for id := 0; id <= 9; id++ {
		mp.Similarity().Set(29, id, 0.1)
	}
	mp.Similarity().Set(29, 5, 0.9)

	d := newDetector(t, mp)
	_, ok := d.FindCandidate(curr)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFindCandidateTooFewScored(t *testing.T) {
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	emptyKeyframes(mp, 22)
	seedTemporalScores(mp, 22, 0.5)
	// only keyframes 0 and 1 are old enough to be candidates
	d := newDetector(t, mp)
	_, ok := d.FindCandidate(mp.Keyframe(21))
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInsertAggregatesScoresAllRows(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	for k := 0; k < 3; k++ {
		f := &frame.Frame{}
		for i := 0; i < 40; i++ {
			d := make(frame.Descriptor, 32)
			r.Read(d)
			f.Points = append(f.Points, &frame.StereoPoint{Desc: d, Landmark: frame.NoLandmark})
		}
		mp.AddKeyframe(&slammap.Keyframe{Pose: spatial.Identity(), Frame: f})
	}

	d := newDetector(t, mp)
	for _, kf := range mp.Keyframes() {
		test.That(t, d.InsertAggregates(kf), test.ShouldBeNil)
	}

	test.That(t, mp.Keyframe(2).Agg, test.ShouldNotBeNil)
	test.That(t, mp.Similarity().Get(2, 0), test.ShouldBeGreaterThan, 0.0)
	test.That(t, mp.Similarity().Get(2, 1), test.ShouldBeGreaterThan, 0.0)
}

// loopFrames builds two keyframes observing the same scene from poses related
// by rel (prev camera -> curr camera).
func loopFrames(r *rand.Rand, cam *camera.StereoCamera, rel spatial.Pose, n int) (*slammap.Keyframe, *slammap.Keyframe) {
	prevF := &frame.Frame{}
	currF := &frame.Frame{}
	for i := 0; i < n; i++ {
		p := r3.Vector{
			X: -1.5 + 3*r.Float64(),
			Y: -1 + 2*r.Float64(),
			Z: 3 + 3*r.Float64(),
		}
		d := make(frame.Descriptor, 32)
		r.Read(d)
		prevF.Points = append(prevF.Points, &frame.StereoPoint{
			Pixel: cam.Project(p), P: p, Desc: d, Landmark: frame.NoLandmark,
		})
		pc := rel.TransformPoint(p)
		currF.Points = append(currF.Points, &frame.StereoPoint{
			Pixel: cam.Project(pc), P: pc, Desc: d, Landmark: frame.NoLandmark,
		})
	}
	prev := &slammap.Keyframe{Pose: spatial.Identity(), Frame: prevF}
	curr := &slammap.Keyframe{Pose: spatial.Identity(), Frame: currF}
	return prev, curr
}

func TestVerifyAcceptsConsistentPair(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	cam := testCamera()
	rel := spatial.Exp(spatial.Vec6{0.1, -0.05, 0.1, 0.02, -0.03, 0.05})
	prev, curr := loopFrames(r, cam, rel, 40)

	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	mp.AddKeyframe(prev)
	mp.AddKeyframe(curr)

	d := newDetector(t, mp)
	edge, err := d.Verify(prev, curr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, edge, test.ShouldNotBeNil)
	test.That(t, edge.From, test.ShouldEqual, prev.ID)
	test.That(t, edge.To, test.ShouldEqual, curr.ID)
	test.That(t, edge.Unoptimized, test.ShouldBeTrue)
	test.That(t, len(edge.PointPairs), test.ShouldEqual, 40)

	diff := spatial.Log(edge.Rel.Compose(rel))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-4)

	// identical inputs must verify identically
	again, err := d.Verify(prev, curr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.PointPairs, test.ShouldResemble, edge.PointPairs)
	test.That(t, again.Increment, test.ShouldResemble, edge.Increment)
}

func TestVerifyRejectsUnrelatedScenes(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	cam := testCamera()
	prev, _ := loopFrames(r, cam, spatial.Identity(), 40)
	_, curr := loopFrames(r, cam, spatial.Identity(), 40)

	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	mp.AddKeyframe(prev)
	mp.AddKeyframe(curr)

	d := newDetector(t, mp)
	edge, err := d.Verify(prev, curr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, edge, test.ShouldBeNil)
}
