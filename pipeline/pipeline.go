// Package pipeline runs keyframe ingestion in the background: a dispatcher
// drains a FIFO of captured frames and hands each one to a mapping worker,
// holding the next frame back until the worker reports completion, so at most
// one keyframe is in flight. The caller goroutine never touches the map
// store; registration happens inside the handler on the worker goroutine.
// Shutdown travels through the same queue as a sentinel nil frame.
package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/spatial"
)

// WorkerState is the lifecycle of a pipeline worker.
type WorkerState int32

const (
	// WorkerIdle means the worker waits for a frame.
	WorkerIdle WorkerState = iota
	// WorkerActive means a frame is being processed.
	WorkerActive
	// WorkerTerminated means the worker observed the shutdown sentinel.
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerActive:
		return "active"
	case WorkerTerminated:
		return "terminated"
	}
	return "unknown"
}

// Handler registers and processes one dequeued frame given the relative pose
// prior it was captured with.
type Handler func(f *frame.Frame, prior spatial.Pose) error

type job struct {
	frame *frame.Frame
	prior spatial.Pose
}

func (j job) sentinel() bool { return j.frame == nil }

// Pipeline owns the dispatcher and mapping worker goroutines.
type Pipeline struct {
	handler Handler
	logger  golog.Logger

	queue  chan job
	toWork chan job
	ack    chan error

	dispatcherState atomic.Int32
	workerState     atomic.Int32

	dispatcherDone chan struct{}
	workerDone     chan struct{}

	mu   sync.Mutex
	errs []error

	closeOnce sync.Once
}

// New starts a pipeline draining into the given handler.
func New(handler Handler, queueDepth int, logger golog.Logger) *Pipeline {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	p := &Pipeline{
		handler:        handler,
		logger:         logger,
		queue:          make(chan job, queueDepth),
		toWork:         make(chan job),
		ack:            make(chan error),
		dispatcherDone: make(chan struct{}),
		workerDone:     make(chan struct{}),
	}
	goutils.PanicCapturingGo(p.dispatch)
	goutils.PanicCapturingGo(p.work)
	return p
}

// Enqueue pushes a frame and its pose prior onto the FIFO, blocking when it
// is full.
func (p *Pipeline) Enqueue(f *frame.Frame, prior spatial.Pose) {
	p.queue <- job{f, prior}
}

// DispatcherState reports the dispatcher lifecycle state.
func (p *Pipeline) DispatcherState() WorkerState {
	return WorkerState(p.dispatcherState.Load())
}

// MappingState reports the mapping worker lifecycle state.
func (p *Pipeline) MappingState() WorkerState {
	return WorkerState(p.workerState.Load())
}

// dispatch forwards one job at a time to the worker, blocking on its
// completion before dequeuing the next.
func (p *Pipeline) dispatch() {
	defer close(p.dispatcherDone)
	for j := range p.queue {
		if j.sentinel() {
			p.toWork <- j
			<-p.ack
			p.dispatcherState.Store(int32(WorkerTerminated))
			return
		}
		p.dispatcherState.Store(int32(WorkerActive))
		p.toWork <- j
		if err := <-p.ack; err != nil {
			p.logger.Errorw("keyframe processing failed", "error", err)
			p.mu.Lock()
			p.errs = append(p.errs, err)
			p.mu.Unlock()
		}
		p.dispatcherState.Store(int32(WorkerIdle))
	}
}

// work processes jobs handed over by the dispatcher.
func (p *Pipeline) work() {
	defer close(p.workerDone)
	for j := range p.toWork {
		if j.sentinel() {
			p.workerState.Store(int32(WorkerTerminated))
			p.ack <- nil
			return
		}
		p.workerState.Store(int32(WorkerActive))
		err := p.handler(j.frame, j.prior)
		p.workerState.Store(int32(WorkerIdle))
		p.ack <- err
	}
}

// Close pushes the shutdown sentinel, waits for both workers to terminate,
// and returns every processing error observed over the pipeline's lifetime.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.queue <- job{}
		<-p.dispatcherDone
		<-p.workerDone
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return multierr.Combine(p.errs...)
}
