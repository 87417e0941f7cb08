// Package framebuffer implements the bounded FIFO between the decode feed
// and the comparison loop.
//
// Two watermarks govern the producer:
//   - capacity (high): a Push at or above capacity suspends the producer
//   - low water: the suspended producer resumes once the consumer has
//     drained the queue to the low water mark
//
// The gap between the marks keeps a producer at capacity from waking and
// re-suspending on every single pop.
//
// The buffer also tracks readiness: it becomes ready once it holds more than
// the low water mark and stays ready until Clear.
package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-motion/internal/frame"
)

const (
	// DefaultCapacity is the high watermark.
	DefaultCapacity = 30
	// DefaultLowWater is the low watermark.
	DefaultLowWater = 5
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("framebuffer: closed")

// Buffer is a bounded FIFO of frames with blocking, cancellable Push.
//
// Thread-safety: all methods are safe for concurrent use. One producer and
// one consumer is the expected topology.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*frame.Frame
	ready  bool
	closed bool

	capacity int
	lowWater int

	notify chan struct{}

	pushed  uint64
	popped  uint64
	dropped uint64
	waits   uint64
	maxLen  uint64
}

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Len      int
	Capacity int
	LowWater int
	Ready    bool
	Pushed   uint64
	Popped   uint64
	// Dropped counts frames abandoned by a cancelled or closed Push, or
	// released by Clear.
	Dropped uint64
	// Waits counts pushes that had to suspend at capacity.
	Waits uint64
	// MaxLen is the largest size observed.
	MaxLen uint64
}

// New creates a buffer with the given watermarks.
func New(capacity, lowWater int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("framebuffer: capacity must be > 0, got %d", capacity)
	}
	if lowWater < 0 || lowWater >= capacity {
		return nil, fmt.Errorf("framebuffer: low water mark must be in [0, %d), got %d", capacity, lowWater)
	}
	b := &Buffer{
		frames:   make([]*frame.Frame, 0, capacity),
		capacity: capacity,
		lowWater: lowWater,
		notify:   make(chan struct{}, 1),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Push appends f at the tail.
//
// When the buffer holds capacity frames the call blocks until the consumer
// drains it to the low water mark. If ctx is cancelled (or the buffer is
// closed) while waiting, f is released and dropped and the buffer is left
// unchanged.
func (b *Buffer) Push(ctx context.Context, f *frame.Frame) error {
	b.mu.Lock()

	if len(b.frames) >= b.capacity && !b.closed && ctx.Err() == nil {
		atomic.AddUint64(&b.waits, 1)

		// Wake the waiter on cancellation. The callback takes the lock so
		// the broadcast cannot slip in between the check and Wait.
		stop := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		for len(b.frames) > b.lowWater && !b.closed && ctx.Err() == nil {
			b.cond.Wait()
		}
		stop()
	}

	if b.closed {
		b.mu.Unlock()
		b.drop(f)
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		b.drop(f)
		return err
	}

	b.frames = append(b.frames, f)
	n := len(b.frames)
	if n > b.lowWater {
		b.ready = true
	}
	if uint64(n) > atomic.LoadUint64(&b.maxLen) {
		atomic.StoreUint64(&b.maxLen, uint64(n))
	}
	b.mu.Unlock()

	atomic.AddUint64(&b.pushed, 1)
	b.signal()
	return nil
}

// PopFront removes and returns the oldest frame. It never blocks.
func (b *Buffer) PopFront() (*frame.Frame, bool) {
	b.mu.Lock()
	if len(b.frames) == 0 {
		b.mu.Unlock()
		return nil, false
	}
	f := b.frames[0]
	b.frames[0] = nil
	b.frames = b.frames[1:]
	if len(b.frames) <= b.lowWater {
		b.cond.Broadcast()
	}
	b.mu.Unlock()

	atomic.AddUint64(&b.popped, 1)
	return f, true
}

// Front returns the oldest frame without removing it.
func (b *Buffer) Front() (*frame.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	return b.frames[0], true
}

// Clear releases every queued frame, empties the buffer and resets
// readiness. Suspended producers are woken.
func (b *Buffer) Clear() {
	b.mu.Lock()
	frames := b.frames
	b.frames = make([]*frame.Frame, 0, b.capacity)
	b.ready = false
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
	atomic.AddUint64(&b.dropped, uint64(len(frames)))
	b.signal()
}

// Close fails pending and future pushes with ErrClosed. Queued frames stay
// available to PopFront until Clear.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.signal()
}

// Reopen reverses Close so the buffer can serve a new playback session.
func (b *Buffer) Reopen() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}

// Len returns the number of queued frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Ready reports whether the buffer has exceeded the low water mark since the
// last Clear.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Cap returns the high watermark.
func (b *Buffer) Cap() int { return b.capacity }

// LowWater returns the low watermark.
func (b *Buffer) LowWater() int { return b.lowWater }

// Notify returns a channel that receives a value after pushes and clears.
// Signals are coalesced: one pending value stands for any number of events.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	n, ready := len(b.frames), b.ready
	b.mu.Unlock()

	return Stats{
		Len:      n,
		Capacity: b.capacity,
		LowWater: b.lowWater,
		Ready:    ready,
		Pushed:   atomic.LoadUint64(&b.pushed),
		Popped:   atomic.LoadUint64(&b.popped),
		Dropped:  atomic.LoadUint64(&b.dropped),
		Waits:    atomic.LoadUint64(&b.waits),
		MaxLen:   atomic.LoadUint64(&b.maxLen),
	}
}

func (b *Buffer) drop(f *frame.Frame) {
	f.Release()
	atomic.AddUint64(&b.dropped, 1)
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
