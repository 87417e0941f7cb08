// Package activity accumulates the changed-pixel series of a playback
// session: one point per compared frame, plus a bounded window of recent
// points used for throughput reporting.
package activity

import (
	"sort"
	"sync"
	"time"

	"tailscale.com/util/ringbuffer"

	"github.com/e7canasta/orion-motion/internal/compare"
)

// DefaultWindow is the number of recent points used for throughput.
const DefaultWindow = 100

// Point is one sample of the series.
type Point struct {
	Frame    int           `json:"frame"`
	Time     time.Duration `json:"time_ns"`
	Changed  int           `json:"changed_pixels"`
	Received time.Time     `json:"received"`
}

// Summary describes the series.
type Summary struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean_changed"`
	Max      int     `json:"max_changed"`
	MaxFrame int     `json:"max_frame"`
	// FPS is the comparison rate over the recent window.
	FPS float64 `json:"fps"`
}

// Series is safe for concurrent use.
type Series struct {
	mu     sync.Mutex
	points []Point
	recent *ringbuffer.RingBuffer[Point]
	window int
	now    func() time.Time
}

// New creates an empty series averaging throughput over window points.
func New(window int) *Series {
	if window < 2 {
		window = DefaultWindow
	}
	return &Series{
		recent: ringbuffer.New[Point](window),
		window: window,
		now:    time.Now,
	}
}

// Add appends p. A zero Received is stamped with the current time.
func (s *Series) Add(p Point) {
	if p.Received.IsZero() {
		p.Received = s.now()
	}
	s.mu.Lock()
	s.points = append(s.points, p)
	s.recent.Add(p)
	s.mu.Unlock()
}

// AddResult appends the point described by a comparison result.
func (s *Series) AddResult(r *compare.Result) {
	s.Add(Point{Frame: r.FrameIndex, Time: r.FrameTime, Changed: r.ChangedPixelsCount})
}

// TruncateAfter removes every point past frame. Resuming from an earlier
// position rewrites that part of the series.
func (s *Series) TruncateAfter(frame int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.points[:0]
	for _, p := range s.points {
		if p.Frame <= frame {
			kept = append(kept, p)
		}
	}
	removed := len(s.points) - len(kept)
	s.points = kept
	if removed > 0 {
		s.refillLocked()
	}
	return removed
}

// Reset empties the series.
func (s *Series) Reset() {
	s.mu.Lock()
	s.points = nil
	s.recent.Clear()
	s.mu.Unlock()
}

func (s *Series) refillLocked() {
	s.recent.Clear()
	start := len(s.points) - s.window
	if start < 0 {
		start = 0
	}
	for _, p := range s.points[start:] {
		s.recent.Add(p)
	}
}

// Len returns the number of points.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// Points returns a copy of the series ordered by frame.
func (s *Series) Points() []Point {
	s.mu.Lock()
	out := append([]Point(nil), s.points...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

// Recent returns the points of the throughput window.
func (s *Series) Recent() []Point {
	return s.recent.GetAll()
}

// Summary computes statistics over the whole series.
func (s *Series) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Count: len(s.points), MaxFrame: -1}
	if len(s.points) == 0 {
		return sum
	}

	total := 0
	for _, p := range s.points {
		total += p.Changed
		if p.Changed > sum.Max || sum.MaxFrame < 0 {
			sum.Max, sum.MaxFrame = p.Changed, p.Frame
		}
	}
	sum.Mean = float64(total) / float64(len(s.points))

	recent := s.recent.GetAll()
	if n := len(recent); n >= 2 {
		first, last := recent[0].Received, recent[0].Received
		for _, p := range recent[1:] {
			if p.Received.Before(first) {
				first = p.Received
			}
			if p.Received.After(last) {
				last = p.Received
			}
		}
		if span := last.Sub(first); span > 0 {
			sum.FPS = float64(n-1) / span.Seconds()
		}
	}
	return sum
}
