// Package decoder turns a raw pixel byte stream into frames.
//
// The Driver is an io.Writer: the decode feed writes packed image bytes into
// it in chunks of any size. Every time a full image has accumulated the
// Driver wraps it in a frame, pushes it into the bounded buffer (blocking
// while the buffer applies backpressure) and notifies subscribers.
package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-motion/internal/frame"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
)

// Config describes the geometry of the incoming stream.
type Config struct {
	Width  int
	Height int
	Format frame.PixelFormat

	// Annotate, when set, is called with every completed frame before it is
	// pushed. It runs on the writer goroutine and is the only place frame
	// metadata may be changed: once pushed, the frame belongs to the buffer.
	Annotate func(*frame.Frame)
}

// FrameReady is emitted after a frame has been pushed.
type FrameReady struct {
	Index         int
	Time          time.Duration
	Percentage    float64
	DecodeLatency time.Duration
	TraceID       string
}

// Driver accumulates bytes into frames.
//
// Write is expected to be called from a single feed goroutine. Reset, Clear
// and Subscribe are safe to call from any goroutine.
type Driver struct {
	cfg  Config
	size int
	buf  *framebuffer.Buffer
	ctx  context.Context

	mu        sync.Mutex
	pending   []byte
	filled    int
	startedAt time.Time

	subsMu sync.RWMutex
	subs   map[uint64]func(FrameReady)
	nextID uint64

	frames       uint64
	bytes        uint64
	latencyTotal int64 // nanoseconds
}

// Stats is a snapshot of driver counters.
type Stats struct {
	Frames       uint64
	Bytes        uint64
	MeanLatency  time.Duration
	PendingBytes int
	FrameSize    int
}

// New creates a driver that pushes into buf. ctx bounds every blocking push:
// once it is cancelled, writes fail and the frame being pushed is dropped.
func New(ctx context.Context, cfg Config, buf *framebuffer.Buffer) (*Driver, error) {
	if buf == nil {
		return nil, fmt.Errorf("decoder: buffer is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decoder: invalid output size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("decoder: unsupported pixel format %v", cfg.Format)
	}

	return &Driver{
		cfg:  cfg,
		size: frame.Size(cfg.Width, cfg.Height, cfg.Format),
		buf:  buf,
		ctx:  ctx,
		subs: make(map[uint64]func(FrameReady)),
	}, nil
}

// FrameSize returns the number of bytes making up one image.
func (d *Driver) FrameSize() int {
	return d.size
}

// Write implements io.Writer. p may hold any part of one or more images.
func (d *Driver) Write(p []byte) (int, error) {
	total := len(p)
	atomic.AddUint64(&d.bytes, uint64(total))

	for len(p) > 0 {
		d.mu.Lock()
		if d.pending == nil {
			d.pending = make([]byte, d.size)
			d.filled = 0
			d.startedAt = time.Now()
		}
		n := copy(d.pending[d.filled:], p)
		d.filled += n
		p = p[n:]

		if d.filled < d.size {
			d.mu.Unlock()
			break
		}

		data, started := d.pending, d.startedAt
		d.pending, d.filled = nil, 0
		d.mu.Unlock()

		if err := d.deliver(data, started); err != nil {
			return total - len(p), err
		}
	}

	return total, nil
}

// deliver wraps a completed image, pushes it and notifies subscribers.
func (d *Driver) deliver(data []byte, started time.Time) error {
	f, err := frame.FromBytes(d.cfg.Width, d.cfg.Height, d.cfg.Format, data)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	f.DecodeLatency = time.Since(started)
	f.TraceID = uuid.New().String()

	if d.cfg.Annotate != nil {
		d.cfg.Annotate(f)
	}

	// Copy what subscribers need before handing the frame over.
	ev := FrameReady{
		Index:         f.Index,
		Time:          f.Time,
		Percentage:    f.Percentage,
		DecodeLatency: f.DecodeLatency,
		TraceID:       f.TraceID,
	}

	if err := d.buf.Push(d.ctx, f); err != nil {
		return fmt.Errorf("decoder: push frame %d: %w", ev.Index, err)
	}

	atomic.AddUint64(&d.frames, 1)
	atomic.AddInt64(&d.latencyTotal, int64(ev.DecodeLatency))

	slog.Debug("decoder: frame ready",
		"index", ev.Index,
		"latency", ev.DecodeLatency,
		"trace_id", ev.TraceID,
	)

	d.dispatch(ev)
	return nil
}

// Subscribe registers fn for FrameReady events. fn runs synchronously on the
// writer goroutine and must return quickly. The returned function removes
// the subscription.
func (d *Driver) Subscribe(fn func(FrameReady)) (unsubscribe func()) {
	d.subsMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

func (d *Driver) dispatch(ev FrameReady) {
	d.subsMu.RLock()
	fns := make([]func(FrameReady), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Reset discards a partially accumulated image.
func (d *Driver) Reset() {
	d.mu.Lock()
	discarded := d.filled
	d.pending, d.filled = nil, 0
	d.mu.Unlock()

	if discarded > 0 {
		slog.Debug("decoder: discarded partial frame", "bytes", discarded)
	}
}

// Clear resets accumulation and releases every buffered frame.
func (d *Driver) Clear() {
	d.Reset()
	d.buf.Clear()
}

// Stats returns a snapshot of driver counters.
func (d *Driver) Stats() Stats {
	frames := atomic.LoadUint64(&d.frames)
	var mean time.Duration
	if frames > 0 {
		mean = time.Duration(atomic.LoadInt64(&d.latencyTotal) / int64(frames))
	}

	d.mu.Lock()
	pending := d.filled
	d.mu.Unlock()

	return Stats{
		Frames:       frames,
		Bytes:        atomic.LoadUint64(&d.bytes),
		MeanLatency:  mean,
		PendingBytes: pending,
		FrameSize:    d.size,
	}
}
