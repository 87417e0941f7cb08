package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/frame"
)

// run is the poll cycle. prev is owned by this goroutine until it exits;
// a cancelled run hands it back so the next Start compares across the pause.
func (l *Loop) run(ctx context.Context, session string, prev *frame.Frame, done chan struct{}) {
	defer close(done)

	wait := time.NewTimer(PollInterval)
	defer wait.Stop()

	for {
		if ctx.Err() != nil {
			l.detach(done, prev)
			slog.Debug("loop: cancelled", "session_id", session, "most_recent", l.mostRecent.Load())
			return
		}

		if cur, ok := l.next(); ok {
			if err := l.advance(prev, cur); err != nil {
				prev.Release()
				cur.Release()
				l.fail(session, done, err)
				return
			}
			prev = cur
			continue
		}

		if l.ctrl.FramesInBuffer() == 0 && (l.ctrl.AtEndOfVideo() || l.ctrl.FeedDone()) {
			last := l.MostRecentFrame()
			prev.Release()
			l.pause(false)
			l.mostRecent.Store(-1)
			l.detach(done, nil)
			l.stopped.emit(Stopped{Reason: EndOfStream, SessionID: session, LastFrame: last})
			slog.Info("loop: end of stream",
				"session_id", session,
				"last_frame", last,
				"compared", l.stats.compared.Load(),
			)
			return
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(PollInterval)
		select {
		case <-ctx.Done():
		case <-l.ctrl.Notify():
		case <-wait.C:
		}
	}
}

// next dequeues the head frame once the buffer may be drained: it has
// filled past the low water mark, or the feed can add nothing more.
func (l *Loop) next() (*frame.Frame, bool) {
	if !l.ctrl.IsBufferReady() && !l.ctrl.FeedDone() && !l.ctrl.AtEndOfVideo() {
		return nil, false
	}
	head, ok := l.ctrl.PeekFrame()
	if !ok || !head.Decoded {
		return nil, false
	}
	return l.ctrl.PlayNextFrame()
}

// advance compares cur against prev, emits the result and releases prev.
func (l *Loop) advance(prev, cur *frame.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop: panic at frame %d: %v", cur.Index, r)
		}
	}()

	if prev != nil {
		res, cerr := l.comparator.Compare(cur, prev, l.ROI(), l.Threshold())
		switch {
		case errors.Is(cerr, compare.ErrShapeMismatch):
			l.stats.skipped.Add(1)
			slog.Debug("loop: skipping pair", "frame", cur.Index, "error", cerr)
		case cerr != nil:
			return fmt.Errorf("loop: compare frame %d: %w", cur.Index, cerr)
		default:
			if l.ShowMotion() {
				res.Frame = compare.Shade(cur, res.ChangedPixels, l.ShadeRadius(), compare.HighlightColor)
			} else {
				res.Frame = cur.Clone()
			}
			l.stats.compared.Add(1)
			l.compared.emit(res)
		}
		prev.Release()
	}

	l.mostRecent.Store(int64(cur.Index))
	return nil
}

// fail pauses the whole pipeline after an unexpected error.
func (l *Loop) fail(session string, done chan struct{}, err error) {
	l.stats.errors.Add(1)
	slog.Error("loop: comparison failed, pausing", "session_id", session, "error", err)

	l.pause(false)
	l.detach(done, nil)
	l.stopped.emit(Stopped{Reason: Error, Err: err, SessionID: session, LastFrame: l.MostRecentFrame()})
}

// detach marks the run finished and parks prev for the next run.
func (l *Loop) detach(done chan struct{}, prev *frame.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != done {
		prev.Release()
		return
	}
	l.cancel()
	l.cancel, l.done = nil, nil
	l.previous.Release()
	l.previous = prev
}
