package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-motion/internal/feed"
)

// PrerollTimeout bounds the wait for the pipeline to reach PAUSED.
const PrerollTimeout = 10 * time.Second

var errBudgetReached = errors.New("frame budget reached")

// Feed decodes media files with GStreamer.
type Feed struct {
	frames  uint64
	bytes   uint64
	dropped uint64
}

// NewFeed checks GStreamer is usable and returns a feed.
func NewFeed() (*Feed, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return &Feed{}, nil
}

// Stats is a snapshot of feed counters across runs.
type Stats struct {
	Frames  uint64
	Bytes   uint64
	Dropped uint64
}

// Stats returns feed counters.
func (f *Feed) Stats() Stats {
	return Stats{
		Frames:  atomic.LoadUint64(&f.frames),
		Bytes:   atomic.LoadUint64(&f.bytes),
		Dropped: atomic.LoadUint64(&f.dropped),
	}
}

// Run implements feed.Feed.
//
// This method:
//  1. Builds the pipeline and installs the appsink callback
//  2. Prerolls to PAUSED and seeks to s.Start
//  3. Plays until EOS, the frame budget, an error, or ctx cancellation
//
// The appsink callback writes into w on the streaming thread. A blocking
// Write (backpressure from the frame buffer) stalls the pipeline, which is
// the intended flow control.
func (f *Feed) Run(ctx context.Context, s feed.Settings, w io.Writer) error {
	elements, err := createPipeline(s)
	if err != nil {
		return feed.Errorf("create pipeline", err)
	}
	defer func() {
		if err := destroyPipeline(elements); err != nil {
			slog.Warn("gstreamer: failed to destroy pipeline", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	budget := s.FrameBudget()
	var (
		written  int
		stopOnce sync.Once
	)
	stop := func(cause error) {
		stopOnce.Do(func() { cancel(cause) })
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return f.onNewSample(sink, w, &written, budget, stop)
		},
	})

	if err := preroll(runCtx, elements.Pipeline); err != nil {
		return err
	}

	if s.Start > 0 {
		flags := gst.SeekFlagFlush | gst.SeekFlagAccurate
		if !elements.Pipeline.SeekSimple(int64(s.Start), gst.FormatTime, flags) {
			return &feed.Error{Op: "seek", Kind: feed.KindPipeline, Err: fmt.Errorf("seek to %v rejected", s.Start)}
		}
		slog.Debug("gstreamer: seeked", "start", s.Start)
	}

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return feed.Errorf("play", err)
	}

	slog.Info("gstreamer: feed started",
		"path", s.Path,
		"resolution", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"start", s.Start,
		"frame_budget", budget,
	)

	return f.monitor(runCtx, elements.Pipeline, s)
}

// onNewSample copies one mapped buffer into w.
func (f *Feed) onNewSample(sink *app.Sink, w io.Writer, written *int, budget int, stop func(error)) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		atomic.AddUint64(&f.dropped, 1)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		atomic.AddUint64(&f.dropped, 1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		atomic.AddUint64(&f.dropped, 1)
		return gst.FlowOK
	}

	_, err := w.Write(data)
	buffer.Unmap()
	if err != nil {
		stop(err)
		return gst.FlowEOS
	}

	atomic.AddUint64(&f.frames, 1)
	atomic.AddUint64(&f.bytes, uint64(len(data)))

	*written++
	if budget > 0 && *written >= budget {
		stop(errBudgetReached)
		return gst.FlowEOS
	}
	return gst.FlowOK
}

// preroll moves the pipeline to PAUSED and waits for ASYNC_DONE so a seek
// can be issued before any frame is delivered.
func preroll(ctx context.Context, pipeline *gst.Pipeline) error {
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return feed.Errorf("preroll", err)
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(PrerollTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return &feed.Error{Op: "preroll", Kind: feed.KindAborted, Err: err}
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return &feed.Error{Op: "preroll", Kind: classify(gerr), Err: fmt.Errorf("%s", gerr.Error())}
		case gst.MessageEOS:
			return nil
		}
	}
	return &feed.Error{Op: "preroll", Kind: feed.KindPipeline, Err: fmt.Errorf("timeout after %v", PrerollTimeout)}
}

// monitor polls the bus until the run ends.
//
// Returns nil on EOS or when the frame budget is reached.
func (f *Feed) monitor(ctx context.Context, pipeline *gst.Pipeline, s feed.Settings) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			switch {
			case errors.Is(cause, errBudgetReached):
				slog.Debug("gstreamer: frame budget reached", "path", s.Path)
				return nil
			case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
				return &feed.Error{Op: "run", Kind: feed.KindAborted, Err: cause}
			default:
				return feed.Errorf("write", cause)
			}

		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("gstreamer: end of stream", "path", s.Path)
				return nil

			case gst.MessageError:
				gerr := msg.ParseError()
				kind := classify(gerr)
				slog.Error("gstreamer: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", kind.String(),
					"path", s.Path,
				)
				// An error posted after our own stop request is the
				// aftermath of returning EOS from the callback.
				if cause := context.Cause(ctx); cause != nil {
					continue
				}
				return &feed.Error{Op: "run", Kind: kind, Err: fmt.Errorf("%s", gerr.Error())}

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					slog.Debug("gstreamer: pipeline state changed", "from", old, "to", new)
				}
			}
		}
	}
}
