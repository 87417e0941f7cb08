package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/feed"
	"github.com/e7canasta/orion-motion/internal/frame"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
	"github.com/e7canasta/orion-motion/internal/playback"
)

const (
	clipWidth  = 8
	clipHeight = 4
	clipFPS    = 100
)

// writeClip writes a raw BGR clip where even frames are black and odd
// frames are grey, so every consecutive pair differs on every pixel.
func writeClip(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.bgr")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create clip: %v", err)
	}
	defer f.Close()

	for i := 0; i < frames; i++ {
		img, _ := frame.New(clipWidth, clipHeight, frame.BGR24)
		if i%2 == 1 {
			img.Fill(100, 100, 100)
		}
		if _, err := f.Write(img.Data); err != nil {
			t.Fatalf("write clip: %v", err)
		}
	}
	return path
}

var rawProber = feed.RawProber{Width: clipWidth, Height: clipHeight, Format: frame.BGR24, FPS: clipFPS}

func newPipeline(t *testing.T, frames, capacity, lowWater int, pace time.Duration, opts ...Option) (*playback.Controller, *Loop) {
	t.Helper()
	return newProbedPipeline(t, rawProber, frames, capacity, lowWater, pace, opts...)
}

func newProbedPipeline(t *testing.T, prober feed.Prober, frames, capacity, lowWater int, pace time.Duration, opts ...Option) (*playback.Controller, *Loop) {
	t.Helper()
	buf, err := framebuffer.New(capacity, lowWater)
	if err != nil {
		t.Fatalf("framebuffer.New: %v", err)
	}
	ctrl, err := playback.New(playback.Config{
		Feed:   feed.RawFile{Pace: pace},
		Prober: prober,
		Buffer: buf,
		Format: frame.BGR24,
	})
	if err != nil {
		t.Fatalf("playback.New: %v", err)
	}
	if err := ctrl.Open(context.Background(), writeClip(t, frames)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	l, err := New(ctrl, compare.New(compare.WithWorkers(2)), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	return ctrl, l
}

type collector struct {
	mu      sync.Mutex
	results []*compare.Result
	stops   []Stopped
}

func collect(l *Loop) *collector {
	c := &collector{}
	l.OnFrameCompared(func(r *compare.Result) {
		c.mu.Lock()
		c.results = append(c.results, r)
		c.mu.Unlock()
	})
	l.OnStopped(func(s Stopped) {
		c.mu.Lock()
		c.stops = append(c.stops, s)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) snapshot() ([]*compare.Result, []Stopped) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*compare.Result(nil), c.results...), append([]Stopped(nil), c.stops...)
}

func (c *collector) stopped() bool {
	_, stops := c.snapshot()
	return len(stops) > 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func assertConsecutive(t *testing.T, results []*compare.Result, first, last int) {
	t.Helper()
	if len(results) != last-first+1 {
		t.Fatalf("got %d results, want %d (%d..%d)", len(results), last-first+1, first, last)
	}
	for i, r := range results {
		if r.FrameIndex != first+i {
			t.Fatalf("result %d has FrameIndex %d, want %d", i, r.FrameIndex, first+i)
		}
	}
}

func TestRunComparesEveryPair(t *testing.T) {
	testCases := []struct {
		name     string
		frames   int
		capacity int
		lowWater int
	}{
		{"default_watermarks", 12, 30, 5},
		{"backpressure", 24, 4, 1},
		{"shorter_than_low_water", 3, 30, 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, l := newPipeline(t, tc.frames, tc.capacity, tc.lowWater, 0)
			c := collect(l)

			if err := l.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, "end of stream", c.stopped)

			results, stops := c.snapshot()
			assertConsecutive(t, results, 0, tc.frames-2)
			for _, r := range results {
				if r.ChangedPixelsCount != clipWidth*clipHeight {
					t.Errorf("frame %d: %d changed pixels, want %d", r.FrameIndex, r.ChangedPixelsCount, clipWidth*clipHeight)
				}
				if r.Frame == nil || r.Threshold != DefaultThreshold {
					t.Errorf("frame %d: incomplete result", r.FrameIndex)
				}
			}

			if len(stops) != 1 || stops[0].Reason != EndOfStream || stops[0].LastFrame != tc.frames-1 {
				t.Errorf("stops = %+v", stops)
			}
			if stops[0].SessionID == "" || stops[0].SessionID != l.SessionID() {
				t.Errorf("session id mismatch: %q vs %q", stops[0].SessionID, l.SessionID())
			}
			waitFor(t, "loop exit", func() bool { return !l.Running() })
			if l.MostRecentFrame() != -1 {
				t.Errorf("MostRecentFrame = %d after end of stream, want -1", l.MostRecentFrame())
			}
			t.Logf("✅ %d frames → %d results, stop %s", tc.frames, len(results), stops[0].Reason)
		})
	}
}

func TestUnknownFrameCount(t *testing.T) {
	// Some containers report no frame count; the run ends when the feed does.
	prober := feed.ProberFunc(func(ctx context.Context, path string) (feed.Info, error) {
		info, err := rawProber.Probe(ctx, path)
		info.FrameCount = 0
		return info, err
	})
	ctrl, l := newProbedPipeline(t, prober, 40, 30, 5, time.Millisecond)
	c := collect(l)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "end of stream", c.stopped)

	results, stops := c.snapshot()
	assertConsecutive(t, results, 0, 38)
	if len(stops) != 1 || stops[0].Reason != EndOfStream || stops[0].LastFrame != 39 {
		t.Errorf("stops = %+v", stops)
	}
	if !ctrl.FeedDone() {
		t.Error("run ended before the feed finished")
	}
	t.Logf("✅ %d results without a frame count", len(results))
}

func TestShading(t *testing.T) {
	testCases := []struct {
		name    string
		show    bool
		wantRed bool
	}{
		{"shaded", true, true},
		{"plain", false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, l := newPipeline(t, 4, 30, 5, 0, WithShowMotion(tc.show))
			c := collect(l)
			if err := l.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, "end of stream", c.stopped)

			results, _ := c.snapshot()
			if len(results) == 0 {
				t.Fatal("no results")
			}
			// The first result shows frame 1, which is grey.
			r, g, b := results[0].Frame.Pixel(3, 2)
			isRed := r == 255 && g == 0 && b == 0
			if isRed != tc.wantRed {
				t.Errorf("pixel = %d,%d,%d, wantRed %v", r, g, b, tc.wantRed)
			}
			if !tc.wantRed && (r != 100 || g != 100 || b != 100) {
				t.Errorf("plain frame should match the decoded frame, got %d,%d,%d", r, g, b)
			}
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	const frames = 40
	_, l := newPipeline(t, frames, 30, 5, 3*time.Millisecond)
	c := collect(l)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "progress", func() bool { return l.MostRecentFrame() >= 10 })

	l.Pause(true)
	if l.Running() {
		t.Fatal("Running after Pause(true)")
	}
	paused := l.MostRecentFrame()
	if paused < 10 {
		t.Fatalf("MostRecentFrame reset by pause: %d", paused)
	}
	before, stops := c.snapshot()
	if len(stops) != 0 {
		t.Fatalf("Pause must not emit stopped: %+v", stops)
	}

	time.Sleep(20 * time.Millisecond)
	if again, _ := c.snapshot(); len(again) != len(before) {
		t.Fatalf("results kept arriving while paused")
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "end of stream", c.stopped)

	results, _ := c.snapshot()
	assertConsecutive(t, results, 0, frames-2)
	t.Logf("✅ Paused at frame %d, resumed without gaps", paused)
}

func TestStartWhileRunning(t *testing.T) {
	_, l := newPipeline(t, 200, 30, 5, 2*time.Millisecond)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopRewinds(t *testing.T) {
	_, l := newPipeline(t, 200, 30, 5, 2*time.Millisecond)
	c := collect(l)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "progress", func() bool { return l.MostRecentFrame() >= 6 })
	l.Stop()

	if l.MostRecentFrame() != -1 || l.Running() {
		t.Fatalf("after Stop: most recent %d running %v", l.MostRecentFrame(), l.Running())
	}

	c.mu.Lock()
	c.results = nil
	c.mu.Unlock()

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "first result", func() bool {
		r, _ := c.snapshot()
		return len(r) > 0
	})
	results, _ := c.snapshot()
	if results[0].FrameIndex != 0 {
		t.Errorf("restart began at frame %d, want 0", results[0].FrameIndex)
	}
}

func TestSeekTo(t *testing.T) {
	const frames = 20
	ctrl, l := newPipeline(t, frames, 30, 5, 0)
	c := collect(l)

	if err := l.SeekTo(0.5); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if l.MostRecentFrame() != 10 || ctrl.CurrentFrame() != 10 {
		t.Fatalf("seek: loop %d controller %d, want 10", l.MostRecentFrame(), ctrl.CurrentFrame())
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "end of stream", c.stopped)

	// Frame 11 is the first one decoded; the first pair is (12, 11).
	results, stops := c.snapshot()
	assertConsecutive(t, results, 11, frames-2)
	if stops[0].LastFrame != frames-1 {
		t.Errorf("LastFrame = %d", stops[0].LastFrame)
	}

	if err := l.SeekTo(7); err != nil {
		t.Fatalf("SeekTo clamp: %v", err)
	}
	if l.MostRecentFrame() != frames {
		t.Errorf("clamped seek = %d, want %d", l.MostRecentFrame(), frames)
	}
}

func TestSettings(t *testing.T) {
	_, l := newPipeline(t, 2, 30, 5, 0)

	if err := l.SetROI(compare.ROI{Left: 0.9, Top: 0, Right: 0.1, Bottom: 1}); !errors.Is(err, compare.ErrInvalidROI) {
		t.Errorf("SetROI inverted = %v", err)
	}
	if l.ROI() != compare.FullFrame() {
		t.Errorf("rejected ROI was stored: %v", l.ROI())
	}
	roi := compare.ROI{Left: 0.25, Top: 0, Right: 0.75, Bottom: 1}
	if err := l.SetROI(roi); err != nil || l.ROI() != roi {
		t.Errorf("SetROI = %v, ROI = %v", err, l.ROI())
	}

	if err := l.SetThreshold(-1); err == nil {
		t.Error("negative threshold accepted")
	}
	_ = l.SetThreshold(12)
	l.SetShadeRadius(3)
	l.SetShowMotion(false)
	if l.Threshold() != 12 || l.ShadeRadius() != 3 || l.ShowMotion() {
		t.Errorf("settings not applied: %+v", l.Stats())
	}

	if _, err := New(nil, nil); err == nil {
		t.Error("New accepted a nil controller")
	}
	if _, err := New(&fakeController{}, nil, WithThreshold(-5)); err == nil {
		t.Error("New accepted a negative threshold")
	}
}
