package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/spatial"
)

func stampedFrame(ts float64) *frame.Frame {
	return &frame.Frame{Timestamp: ts}
}

func TestProcessesInOrder(t *testing.T) {
	var order []float64
	var priors []spatial.Pose
	p := New(func(f *frame.Frame, prior spatial.Pose) error {
		order = append(order, f.Timestamp)
		priors = append(priors, prior)
		return nil
	}, 8, golog.NewTestLogger(t))

	for i := 1; i <= 5; i++ {
		p.Enqueue(stampedFrame(float64(i)), spatial.Exp(spatial.Vec6{0.01 * float64(i)}))
	}
	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, order, test.ShouldResemble, []float64{1, 2, 3, 4, 5})
	for i, prior := range priors {
		want := spatial.Exp(spatial.Vec6{0.01 * float64(i+1)})
		diff := spatial.Log(prior.Compose(want.Inverse()))
		test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-12)
	}
}

func TestSingleInFlight(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	p := New(func(f *frame.Frame, prior spatial.Pose) error {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, 16, golog.NewTestLogger(t))

	for i := 1; i <= 10; i++ {
		p.Enqueue(stampedFrame(float64(i)), spatial.Identity())
	}
	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, maxSeen.Load(), test.ShouldEqual, 1)
}

func TestSentinelTerminatesWorkers(t *testing.T) {
	p := New(func(f *frame.Frame, prior spatial.Pose) error { return nil }, 4, golog.NewTestLogger(t))
	p.Enqueue(stampedFrame(1), spatial.Identity())
	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, p.DispatcherState(), test.ShouldEqual, WorkerTerminated)
	test.That(t, p.MappingState(), test.ShouldEqual, WorkerTerminated)

	// repeated close stays safe
	test.That(t, p.Close(), test.ShouldBeNil)
}

func TestCloseSurfacesHandlerErrors(t *testing.T) {
	p := New(func(f *frame.Frame, prior spatial.Pose) error {
		if f.Timestamp == 2 {
			return errors.New("bad keyframe")
		}
		return nil
	}, 4, golog.NewTestLogger(t))

	for i := 1; i <= 3; i++ {
		p.Enqueue(stampedFrame(float64(i)), spatial.Identity())
	}
	err := p.Close()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad keyframe")
}

func TestWorkerStateString(t *testing.T) {
	test.That(t, WorkerIdle.String(), test.ShouldEqual, "idle")
	test.That(t, WorkerActive.String(), test.ShouldEqual, "active")
	test.That(t, WorkerTerminated.String(), test.ShouldEqual, "terminated")
}
