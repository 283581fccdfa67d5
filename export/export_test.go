package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

func buildMap(t *testing.T) *slammap.Map {
	t.Helper()
	mp := slammap.NewMap(slammap.EndpointModel{}, golog.NewTestLogger(t))
	poses := []spatial.Pose{
		spatial.Identity(),
		spatial.Exp(spatial.Vec6{1, 0.5, 0, 0, 0, 0.3}),
		spatial.Exp(spatial.Vec6{2, 1, 0, 0, 0.1, 0.6}),
	}
	for i, p := range poses {
		mp.AddKeyframe(&slammap.Keyframe{
			Pose:  p,
			Frame: &frame.Frame{Timestamp: float64(i) * 0.1},
		})
	}
	_, err := mp.CreatePoint(0, frame.Descriptor{1}, r2.Point{}, r3.Vector{Z: 1}, r3.Vector{X: 1, Y: 2, Z: 5})
	test.That(t, err, test.ShouldBeNil)
	_, err = mp.CreateLine(1, frame.Descriptor{2}, r3.Vector{Y: 1}, slammap.PixelSegment{},
		r3.Vector{Z: 1}, r3.Vector{Z: 4}, r3.Vector{X: 1, Z: 4})
	test.That(t, err, test.ShouldBeNil)
	return mp
}

func TestWriteTrajectoryFormat(t *testing.T) {
	mp := buildMap(t)
	var buf bytes.Buffer
	test.That(t, WriteTrajectory(&buf, mp), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 3)
	for _, line := range lines {
		test.That(t, len(strings.Fields(line)), test.ShouldEqual, 8)
	}
	// the identity pose serializes to the identity quaternion
	first := strings.Fields(lines[0])
	test.That(t, first[0], test.ShouldEqual, "0.000000")
	test.That(t, first[7], test.ShouldEqual, "1.0000000")
	test.That(t, first[4], test.ShouldEqual, "0.0000000")
}

func TestSnapshotRoundTrip(t *testing.T) {
	mp := buildMap(t)
	snap := TakeSnapshot(mp)
	test.That(t, len(snap.Keyframes), test.ShouldEqual, 3)
	test.That(t, len(snap.Points), test.ShouldEqual, 1)
	test.That(t, len(snap.Lines), test.ShouldEqual, 1)
	// poses serialize as the keyframe's tangent coordinates
	for i, sk := range snap.Keyframes {
		test.That(t, sk.Pose, test.ShouldResemble, [6]float64(mp.Keyframe(i).Tangent()))
	}

	var buf bytes.Buffer
	test.That(t, WriteSnapshot(&buf, snap), test.ShouldBeNil)
	back, err := ReadSnapshot(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, snap)
}

func TestSnapshotSkipsDeadSlots(t *testing.T) {
	mp := buildMap(t)
	test.That(t, mp.CullPoint(0), test.ShouldBeNil)
	snap := TakeSnapshot(mp)
	test.That(t, len(snap.Points), test.ShouldEqual, 0)
}
