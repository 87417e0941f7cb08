package activity

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-motion/internal/compare"
)

func TestSummary(t *testing.T) {
	s := New(4)
	if sum := s.Summary(); sum.Count != 0 || sum.MaxFrame != -1 {
		t.Fatalf("empty summary = %+v", sum)
	}

	base := time.Unix(1000, 0)
	for i, changed := range []int{10, 40, 5, 25} {
		s.Add(Point{Frame: i, Changed: changed, Received: base.Add(time.Duration(i) * 100 * time.Millisecond)})
	}

	sum := s.Summary()
	if sum.Count != 4 || sum.Max != 40 || sum.MaxFrame != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Mean != 20 {
		t.Errorf("Mean = %v, want 20", sum.Mean)
	}
	// 3 intervals over 300ms.
	if math.Abs(sum.FPS-10) > 1e-9 {
		t.Errorf("FPS = %v, want 10", sum.FPS)
	}
}

func TestTruncateAfter(t *testing.T) {
	testCases := []struct {
		name        string
		after       int
		wantRemoved int
		wantLen     int
	}{
		{"middle", 4, 5, 5},
		{"before_start", -1, 10, 0},
		{"past_end", 20, 0, 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(3)
			for i := 0; i < 10; i++ {
				s.Add(Point{Frame: i, Changed: i})
			}

			if removed := s.TruncateAfter(tc.after); removed != tc.wantRemoved {
				t.Errorf("removed %d, want %d", removed, tc.wantRemoved)
			}
			if s.Len() != tc.wantLen {
				t.Errorf("Len = %d, want %d", s.Len(), tc.wantLen)
			}
			for _, p := range s.Points() {
				if p.Frame > tc.after {
					t.Errorf("point %d survived truncation", p.Frame)
				}
			}
			for _, p := range s.Recent() {
				if p.Frame > tc.after {
					t.Errorf("recent window kept point %d", p.Frame)
				}
			}
			if got := len(s.Recent()); got > 3 || got > tc.wantLen {
				t.Errorf("recent window has %d points", got)
			}
		})
	}
}

func TestAddResultAndOrder(t *testing.T) {
	s := New(0)
	s.AddResult(&compare.Result{FrameIndex: 7, FrameTime: 700 * time.Millisecond, ChangedPixelsCount: 3})
	s.AddResult(&compare.Result{FrameIndex: 2, ChangedPixelsCount: 9})

	pts := s.Points()
	if len(pts) != 2 || pts[0].Frame != 2 || pts[1].Frame != 7 {
		t.Fatalf("points = %+v", pts)
	}
	if pts[1].Time != 700*time.Millisecond || pts[1].Received.IsZero() {
		t.Errorf("point not populated: %+v", pts[1])
	}

	s.Reset()
	if s.Len() != 0 || len(s.Recent()) != 0 {
		t.Errorf("Reset left points behind")
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := New(16)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Add(Point{Frame: w*1000 + i, Changed: 1})
				_ = s.Summary()
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != 1000 || len(s.Recent()) != 16 {
		t.Errorf("Len = %d, recent = %d", s.Len(), len(s.Recent()))
	}
	t.Logf("✅ %d concurrent points recorded", s.Len())
}
