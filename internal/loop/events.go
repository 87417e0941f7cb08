package loop

import (
	"sync"

	"github.com/e7canasta/orion-motion/internal/compare"
)

// Reason explains why a run ended.
type Reason int

const (
	// EndOfStream: every decoded frame was compared.
	EndOfStream Reason = iota
	// Error: an unexpected failure paused the pipeline.
	Error
)

func (r Reason) String() string {
	switch r {
	case EndOfStream:
		return "end_of_stream"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Stopped is emitted once when a run ends on its own. Pause and Stop called
// by the owner do not emit it.
type Stopped struct {
	Reason    Reason
	Err       error
	SessionID string
	// LastFrame is the index of the last frame taken from the buffer.
	LastFrame int
}

// registry is a set of callbacks. Dispatch snapshots the set so callbacks
// may unsubscribe themselves.
type registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

func (r *registry[T]) add(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[uint64]func(T))
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// OnFrameCompared registers fn for every comparison result. fn runs on the
// loop goroutine, in frame order, and owns the result. It must not call
// Pause, Stop or Start synchronously.
func (l *Loop) OnFrameCompared(fn func(*compare.Result)) (unsubscribe func()) {
	return l.compared.add(fn)
}

// OnStopped registers fn for the end of every run.
func (l *Loop) OnStopped(fn func(Stopped)) (unsubscribe func()) {
	return l.stopped.add(fn)
}
