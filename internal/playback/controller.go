// Package playback owns the decode feed lifecycle and derives the playback
// clock from the frames it produces.
//
// State machine:
//
//	Idle ──Open──▶ Opening ──▶ Idle ──Start──▶ Playing ──Stop/feed error──▶ Stopped
//	                                   ▲                                   │
//	                                   └─────────────Start─────────────────┘
//
// Feed lifecycle failures (aborts during stop/restart, sinks closing under a
// running feed) are classified, logged and discarded here. They never reach
// the caller.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-motion/internal/decoder"
	"github.com/e7canasta/orion-motion/internal/feed"
	"github.com/e7canasta/orion-motion/internal/frame"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
)

// DefaultStopTimeout bounds how long Stop waits for the feed goroutine.
const DefaultStopTimeout = 3 * time.Second

var (
	// ErrNotFound is returned by Open when the path is not an existing file.
	ErrNotFound = errors.New("playback: video not found")
	// ErrInvalidState is returned for operations that need an opened video.
	ErrInvalidState = errors.New("playback: invalid state")
)

// State of the controller.
type State int

const (
	Idle State = iota
	Opening
	Playing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config wires the controller's collaborators.
type Config struct {
	Feed   feed.Feed
	Prober feed.Prober
	Buffer *framebuffer.Buffer

	// Format of the frames requested from the feed. Defaults to BGR24.
	Format frame.PixelFormat
	// Quality scales the native resolution when Width/Height are unset.
	// Defaults to 1.
	Quality float64
	// Width and Height force the output size.
	Width  int
	Height int
	// PlayEndTime bounds playback. Ignored unless after the start offset.
	PlayEndTime time.Duration

	StopTimeout time.Duration
}

// Controller drives one video at a time.
//
// Thread-safety: all methods are safe for concurrent use. Frame-ready
// subscribers run on the feed goroutine.
type Controller struct {
	feed   feed.Feed
	prober feed.Prober
	buf    *framebuffer.Buffer
	format frame.PixelFormat

	stopTimeout time.Duration

	mu         sync.Mutex
	state      State
	opened     bool
	info       feed.Info
	startFrame int
	endTime    time.Duration
	quality    float64
	outWidth   int
	outHeight  int

	// Active run. generation tells a finishing feed goroutine whether it
	// still owns the controller state.
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	driver     *decoder.Driver

	current  atomic.Int64
	feedDone atomic.Bool
	lastErr  atomic.Pointer[string]

	subsMu sync.RWMutex
	subs   map[uint64]func(decoder.FrameReady)
	nextID uint64
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("playback: feed is required")
	}
	if cfg.Prober == nil {
		return nil, fmt.Errorf("playback: prober is required")
	}
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("playback: buffer is required")
	}
	if cfg.Format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("playback: unsupported pixel format %v", cfg.Format)
	}
	if cfg.Quality == 0 {
		cfg.Quality = 1
	}
	if cfg.Quality < 0 {
		return nil, fmt.Errorf("playback: quality must be > 0, got %.2f", cfg.Quality)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	c := &Controller{
		feed:        cfg.Feed,
		prober:      cfg.Prober,
		buf:         cfg.Buffer,
		format:      cfg.Format,
		stopTimeout: cfg.StopTimeout,
		quality:     cfg.Quality,
		outWidth:    cfg.Width,
		outHeight:   cfg.Height,
		endTime:     cfg.PlayEndTime,
		subs:        make(map[uint64]func(decoder.FrameReady)),
	}
	c.current.Store(-1)
	return c, nil
}

// Open validates path and reads its metadata.
func (c *Controller) Open(ctx context.Context, path string) error {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	c.Stop()

	c.mu.Lock()
	c.state = Opening
	c.mu.Unlock()

	info, err := c.prober.Probe(ctx, path)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	if err != nil {
		c.opened = false
		return fmt.Errorf("playback: probe %s: %w", path, err)
	}

	info.Path = path
	c.info = info
	c.opened = true
	c.startFrame = 0
	c.current.Store(-1)
	c.feedDone.Store(false)

	slog.Info("playback: video opened",
		"path", path,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"fps", info.FPS,
		"frames", info.FrameCount,
		"duration", info.Duration,
	)
	return nil
}

// Start launches the feed from the recorded start offset. With reopen the
// file is probed again first.
//
// Feed failures are not returned: they end the run and leave the controller
// Stopped.
func (c *Controller) Start(ctx context.Context, reopen bool) error {
	c.Stop()

	c.mu.Lock()
	opened, path := c.opened, c.info.Path
	c.mu.Unlock()
	if !opened {
		return fmt.Errorf("%w: start before open", ErrInvalidState)
	}

	// Probing can preroll a whole pipeline; readers must not wait on it.
	var probed *feed.Info
	if reopen {
		info, err := c.prober.Probe(ctx, path)
		if err != nil {
			return fmt.Errorf("playback: reopen %s: %w", path, err)
		}
		info.Path = path
		probed = &info
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened || c.info.Path != path {
		return fmt.Errorf("%w: %s was replaced during start", ErrInvalidState, path)
	}
	if probed != nil {
		c.info = *probed
	}
	if c.info.FPS <= 0 {
		return fmt.Errorf("playback: %s reports no frame rate", c.info.Path)
	}

	info := c.info
	width, height := c.outputSizeLocked()
	start := frameTime(c.startFrame, info.FPS)
	settings := feed.Settings{
		Path:   info.Path,
		Width:  width,
		Height: height,
		Format: c.format,
		Start:  start,
		FPS:    info.FPS,
	}
	if c.endTime > start {
		settings.MaxDuration = c.endTime - start
	}

	runCtx, cancel := context.WithCancel(ctx)

	// seq is only touched by the feed goroutine through Annotate.
	seq := c.startFrame
	driver, err := decoder.New(runCtx, decoder.Config{
		Width:  width,
		Height: height,
		Format: c.format,
		Annotate: func(f *frame.Frame) {
			f.Index = seq
			f.Time = frameTime(seq, info.FPS)
			f.Percentage = percentage(seq, info.FrameCount)
			seq++
		},
	}, c.buf)
	if err != nil {
		cancel()
		return fmt.Errorf("playback: %w", err)
	}
	driver.Subscribe(c.onFrameReady)

	c.buf.Reopen()
	c.generation++
	generation := c.generation
	done := make(chan struct{})
	c.cancel, c.done, c.driver = cancel, done, driver
	c.state = Playing
	// Nothing of this run is decoded yet; the clock sits just before the
	// start frame so the end of video is only reached by decoding it.
	c.current.Store(int64(c.startFrame - 1))
	c.feedDone.Store(false)

	go func() {
		defer close(done)
		err := c.feed.Run(runCtx, settings, driver)
		c.finish(generation, err)
	}()

	slog.Info("playback: feed started",
		"path", info.Path,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"start", start,
		"start_frame", c.startFrame,
		"max_duration", settings.MaxDuration,
	)
	return nil
}

// finish records the outcome of a feed run.
func (c *Controller) finish(generation uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}

	c.feedDone.Store(true)
	if err == nil {
		slog.Debug("playback: feed finished", "path", c.info.Path)
		return
	}

	msg := err.Error()
	c.lastErr.Store(&msg)
	kind := feed.Classify(err)
	if kind.Transient() {
		slog.Debug("playback: feed stopped", "reason", kind.String(), "error", err)
	} else {
		slog.Warn("playback: feed failed, discarding", "category", kind.String(), "error", err)
	}
	c.state = Stopped
}

// Stop closes the buffer, cancels the feed and waits for it to exit. Safe to
// call at any time.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done, driver := c.cancel, c.done, c.driver
	c.cancel, c.done, c.driver = nil, nil, nil
	if c.state == Playing {
		c.state = Stopped
	}
	// Invalidate the running generation so a late finish is ignored.
	c.generation++
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	// Pushes blocked on a full buffer fail with ErrClosed; Start reopens it.
	c.buf.Close()
	cancel()

	select {
	case <-done:
	case <-time.After(c.stopTimeout):
		slog.Warn("playback: stop timeout exceeded, feed may still be running", "timeout", c.stopTimeout)
	}
	driver.Reset()
	slog.Debug("playback: feed stopped")
}

// PlayNextFrame returns the oldest buffered frame. It never blocks.
func (c *Controller) PlayNextFrame() (*frame.Frame, bool) {
	return c.buf.PopFront()
}

// PeekFrame returns the oldest buffered frame without removing it.
func (c *Controller) PeekFrame() (*frame.Frame, bool) {
	return c.buf.Front()
}

// ClearBuffer releases every buffered frame.
func (c *Controller) ClearBuffer() {
	c.buf.Clear()
}

// SeekToFraction records the start of the next Start as a fraction of the
// video frames.
func (c *Controller) SeekToFraction(fraction float64) error {
	if math.IsNaN(fraction) {
		return fmt.Errorf("playback: invalid seek fraction")
	}
	fraction = math.Max(0, math.Min(1, fraction))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return fmt.Errorf("%w: seek before open", ErrInvalidState)
	}
	c.seekLocked(int(math.Round(fraction * float64(c.info.FrameCount))))
	return nil
}

// SeekToTime records the start of the next Start as a time offset.
func (c *Controller) SeekToTime(t time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return fmt.Errorf("%w: seek before open", ErrInvalidState)
	}
	c.seekLocked(int(math.Round(t.Seconds() * c.info.FPS)))
	return nil
}

// SeekToFrame records the start of the next Start as a frame index.
func (c *Controller) SeekToFrame(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return fmt.Errorf("%w: seek before open", ErrInvalidState)
	}
	c.seekLocked(index)
	return nil
}

func (c *Controller) seekLocked(index int) {
	if index < 0 {
		index = 0
	}
	if c.info.FrameCount > 0 && index > c.info.FrameCount {
		index = c.info.FrameCount
	}
	c.startFrame = index
	c.current.Store(int64(index))
	slog.Debug("playback: seek", "frame", index)
}

// SetPlayEndTime bounds the next Start. Zero plays to the end.
func (c *Controller) SetPlayEndTime(t time.Duration) {
	c.mu.Lock()
	c.endTime = t
	c.mu.Unlock()
}

// SetQuality sets the scale applied to the native resolution.
func (c *Controller) SetQuality(q float64) error {
	if q <= 0 || math.IsNaN(q) {
		return fmt.Errorf("playback: quality must be > 0, got %.2f", q)
	}
	c.mu.Lock()
	c.quality = q
	c.mu.Unlock()
	return nil
}

// SetOutputSize forces the output size. Zero values fall back to quality.
func (c *Controller) SetOutputSize(width, height int) {
	c.mu.Lock()
	c.outWidth, c.outHeight = width, height
	c.mu.Unlock()
}

// OutputSize returns the size frames will be decoded at.
func (c *Controller) OutputSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputSizeLocked()
}

func (c *Controller) outputSizeLocked() (int, int) {
	if c.outWidth > 0 && c.outHeight > 0 {
		return c.outWidth, c.outHeight
	}
	return scaleDimension(c.info.Width, c.quality), scaleDimension(c.info.Height, c.quality)
}

// scaleDimension scales n by q and rounds down to an even number of at
// least 2.
func scaleDimension(n int, q float64) int {
	v := int(math.Round(float64(n)*q)) &^ 1
	if v < 2 {
		v = 2
	}
	return v
}

// Subscribe registers fn for frame-ready events of every run. fn runs on the
// feed goroutine and must return quickly.
func (c *Controller) Subscribe(fn func(decoder.FrameReady)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Controller) onFrameReady(ev decoder.FrameReady) {
	c.current.Store(int64(ev.Index))

	c.subsMu.RLock()
	fns := make([]func(decoder.FrameReady), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// VideoInfo returns the metadata of the opened video.
func (c *Controller) VideoInfo() feed.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsPlaying reports whether a feed run is active.
func (c *Controller) IsPlaying() bool {
	return c.State() == Playing
}

// CurrentFrame returns the index of the most recently decoded frame.
func (c *Controller) CurrentFrame() int {
	return int(c.current.Load())
}

// CurrentTime returns the playback position.
func (c *Controller) CurrentTime() time.Duration {
	cur := c.CurrentFrame()
	if cur < 0 {
		return 0
	}
	c.mu.Lock()
	fps := c.info.FPS
	c.mu.Unlock()
	return frameTime(cur, fps)
}

// CurrentPercentage returns current_frame / (total_frames − 1).
func (c *Controller) CurrentPercentage() float64 {
	c.mu.Lock()
	total := c.info.FrameCount
	c.mu.Unlock()
	return percentage(c.CurrentFrame(), total)
}

// AtEndOfVideo reports whether the clock reached the last frame.
func (c *Controller) AtEndOfVideo() bool {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	return opened && c.CurrentPercentage() >= 1.0
}

// IsBufferReady reports whether more than the low water mark of frames has
// been buffered since the last clear.
func (c *Controller) IsBufferReady() bool {
	return c.buf.Ready()
}

// FramesInBuffer returns the number of buffered frames.
func (c *Controller) FramesInBuffer() int {
	return c.buf.Len()
}

// FeedDone reports whether the last feed run has exited on its own.
func (c *Controller) FeedDone() bool {
	return c.feedDone.Load()
}

// Notify forwards the buffer's push/clear signal.
func (c *Controller) Notify() <-chan struct{} {
	return c.buf.Notify()
}

// Stats is a snapshot for status reporting.
type Stats struct {
	State         string
	Path          string
	CurrentFrame  int
	CurrentTime   time.Duration
	Percentage    float64
	FeedDone      bool
	LastFeedError string
	Buffer        framebuffer.Stats
	Decoder       decoder.Stats
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	state, path, driver := c.state, c.info.Path, c.driver
	c.mu.Unlock()

	s := Stats{
		State:        state.String(),
		Path:         path,
		CurrentFrame: c.CurrentFrame(),
		CurrentTime:  c.CurrentTime(),
		Percentage:   c.CurrentPercentage(),
		FeedDone:     c.FeedDone(),
		Buffer:       c.buf.Stats(),
	}
	if p := c.lastErr.Load(); p != nil {
		s.LastFeedError = *p
	}
	if driver != nil {
		s.Decoder = driver.Stats()
	}
	return s
}

func frameTime(index int, fps float64) time.Duration {
	if fps <= 0 || index <= 0 {
		return 0
	}
	return time.Duration(float64(index) * float64(time.Second) / fps)
}

func percentage(index, total int) float64 {
	if index < 0 || total <= 0 {
		return 0
	}
	if total == 1 {
		return 1
	}
	return float64(index) / float64(total-1)
}
