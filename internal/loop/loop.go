// Package loop runs the comparison state machine: it pulls consecutive
// frames out of the playback buffer, compares each pair, optionally shades
// the motion and emits the results.
//
// States:
//
//	Stopped ──Start──▶ Running ──end of stream / error / Pause / Stop──▶ Stopped
//
// The loop remembers the index of the last frame it consumed, so a paused
// run resumes from the next frame.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/feed"
	"github.com/e7canasta/orion-motion/internal/frame"
)

const (
	// DefaultThreshold is the per-channel threshold of a new loop.
	DefaultThreshold = 30
	// PollInterval bounds how long the loop sleeps without a buffer signal.
	PollInterval = 5 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("loop: already running")

// Controller is the part of the playback controller the loop drives.
// *playback.Controller satisfies it.
type Controller interface {
	Start(ctx context.Context, reopen bool) error
	Stop()
	IsPlaying() bool
	SeekToFraction(fraction float64) error
	VideoInfo() feed.Info

	PeekFrame() (*frame.Frame, bool)
	PlayNextFrame() (*frame.Frame, bool)
	ClearBuffer()
	FramesInBuffer() int
	IsBufferReady() bool
	FeedDone() bool
	AtEndOfVideo() bool
	Notify() <-chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithThreshold sets the initial threshold.
func WithThreshold(t int) Option {
	return func(l *Loop) { l.threshold.Store(int64(t)) }
}

// WithROI sets the initial region of interest. Invalid regions are ignored.
func WithROI(r compare.ROI) Option {
	return func(l *Loop) {
		if r.Validate() == nil {
			l.roi.Store(&r)
		}
	}
}

// WithShowMotion toggles shading of result frames.
func WithShowMotion(on bool) Option {
	return func(l *Loop) { l.showMotion.Store(on) }
}

// WithShadeRadius sets the initial shade radius.
func WithShadeRadius(r int) Option {
	return func(l *Loop) { l.radius.Store(int64(r)) }
}

// Loop compares consecutive frames of a playback session.
//
// Thread-safety: Start, Pause, Stop and SeekTo are serialized. Settings may
// be changed from any goroutine; a comparison in flight keeps the values it
// read.
type Loop struct {
	ctrl       Controller
	comparator *compare.Comparator

	threshold  atomic.Int64
	radius     atomic.Int64
	showMotion atomic.Bool
	roi        atomic.Pointer[compare.ROI]

	mostRecent atomic.Int64

	lifecycle sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	previous *frame.Frame
	session  string

	compared registry[*compare.Result]
	stopped  registry[Stopped]

	stats struct {
		compared atomic.Uint64
		skipped  atomic.Uint64
		errors   atomic.Uint64
		runs     atomic.Uint64
	}
}

// New creates a stopped loop over ctrl.
func New(ctrl Controller, comparator *compare.Comparator, opts ...Option) (*Loop, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("loop: controller is required")
	}
	if comparator == nil {
		comparator = compare.New()
	}

	l := &Loop{ctrl: ctrl, comparator: comparator}
	l.threshold.Store(DefaultThreshold)
	l.radius.Store(compare.DefaultShadeRadius)
	l.showMotion.Store(true)
	full := compare.FullFrame()
	l.roi.Store(&full)
	l.mostRecent.Store(-1)

	for _, opt := range opts {
		opt(l)
	}
	if l.threshold.Load() < 0 {
		return nil, fmt.Errorf("loop: threshold must be >= 0, got %d", l.threshold.Load())
	}
	return l, nil
}

// Start resumes playback after the most recent frame and launches the poll
// goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.Running() {
		if l.ctrl.IsPlaying() {
			return ErrAlreadyRunning
		}
		// Paused without stopping the poll goroutine.
		l.halt()
	}

	if total := l.ctrl.VideoInfo().FrameCount; total > 0 {
		fraction := float64(l.mostRecent.Load()+1) / float64(total)
		if err := l.ctrl.SeekToFraction(fraction); err != nil {
			return fmt.Errorf("loop: seek: %w", err)
		}
	}
	if err := l.ctrl.Start(ctx, true); err != nil {
		return fmt.Errorf("loop: start playback: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	session := uuid.NewString()

	l.mu.Lock()
	l.cancel, l.done, l.session = cancel, done, session
	previous := l.previous
	l.previous = nil
	l.mu.Unlock()
	l.stats.runs.Add(1)

	go l.run(runCtx, session, previous, done)

	slog.Info("loop: started",
		"session_id", session,
		"resume_after", l.mostRecent.Load(),
		"threshold", l.Threshold(),
		"roi", l.ROI().String(),
	)
	return nil
}

// Pause stops the feed and clears the buffer. With stopSelf the poll
// goroutine is cancelled too and Pause waits for it. The most recent frame
// index is kept so Start resumes from it.
func (l *Loop) Pause(stopSelf bool) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	l.pause(stopSelf)
}

func (l *Loop) pause(stopSelf bool) {
	if stopSelf {
		l.halt()
	}
	l.ctrl.Stop()
	l.ctrl.ClearBuffer()
	slog.Debug("loop: paused", "most_recent", l.mostRecent.Load(), "stop_self", stopSelf)
}

// halt cancels the poll goroutine and waits for it to park.
func (l *Loop) halt() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop pauses and rewinds to the beginning of the video.
func (l *Loop) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.pause(true)
	l.reset()
	slog.Info("loop: stopped")
}

func (l *Loop) reset() {
	l.mostRecent.Store(-1)
	l.mu.Lock()
	l.previous.Release()
	l.previous = nil
	l.mu.Unlock()
}

// SeekTo moves the resume position to fraction of the video. It is meant to
// be called while paused; the held previous frame is dropped so the first
// comparison after the seek does not span the jump.
func (l *Loop) SeekTo(fraction float64) error {
	if math.IsNaN(fraction) {
		return fmt.Errorf("loop: invalid seek fraction")
	}
	fraction = math.Max(0, math.Min(1, fraction))

	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	total := l.ctrl.VideoInfo().FrameCount
	if err := l.ctrl.SeekToFraction(fraction); err != nil {
		return fmt.Errorf("loop: seek: %w", err)
	}
	l.mostRecent.Store(int64(math.Round(float64(total) * fraction)))

	l.mu.Lock()
	if l.done == nil {
		l.previous.Release()
		l.previous = nil
	}
	l.mu.Unlock()
	return nil
}

// Running reports whether the poll goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// MostRecentFrame returns the index of the last frame consumed, or -1.
func (l *Loop) MostRecentFrame() int {
	return int(l.mostRecent.Load())
}

// SessionID identifies the current or last run.
func (l *Loop) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// SetThreshold changes the per-channel threshold.
func (l *Loop) SetThreshold(t int) error {
	if t < 0 {
		return fmt.Errorf("%w: %d", compare.ErrInvalidThreshold, t)
	}
	l.threshold.Store(int64(t))
	return nil
}

// Threshold returns the per-channel threshold.
func (l *Loop) Threshold() int { return int(l.threshold.Load()) }

// SetROI changes the region of interest.
func (l *Loop) SetROI(r compare.ROI) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.roi.Store(&r)
	return nil
}

// ROI returns the region of interest.
func (l *Loop) ROI() compare.ROI { return *l.roi.Load() }

// SetShowMotion toggles shading.
func (l *Loop) SetShowMotion(on bool) { l.showMotion.Store(on) }

// ShowMotion reports whether result frames are shaded.
func (l *Loop) ShowMotion() bool { return l.showMotion.Load() }

// SetShadeRadius changes the shade radius. Negative values paint single
// pixels.
func (l *Loop) SetShadeRadius(r int) { l.radius.Store(int64(r)) }

// ShadeRadius returns the shade radius.
func (l *Loop) ShadeRadius() int { return int(l.radius.Load()) }

// Stats is a snapshot for status reporting.
type Stats struct {
	Running    bool        `json:"running"`
	SessionID  string      `json:"session_id"`
	MostRecent int         `json:"most_recent_frame"`
	Compared   uint64      `json:"compared"`
	Skipped    uint64      `json:"skipped"`
	Errors     uint64      `json:"errors"`
	Runs       uint64      `json:"runs"`
	Threshold  int         `json:"threshold"`
	ROI        compare.ROI `json:"roi"`
}

// Stats returns a snapshot of the loop.
func (l *Loop) Stats() Stats {
	return Stats{
		Running:    l.Running(),
		SessionID:  l.SessionID(),
		MostRecent: l.MostRecentFrame(),
		Compared:   l.stats.compared.Load(),
		Skipped:    l.stats.skipped.Load(),
		Errors:     l.stats.errors.Load(),
		Runs:       l.stats.runs.Load(),
		Threshold:  l.Threshold(),
		ROI:        l.ROI(),
	}
}
