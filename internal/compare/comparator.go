// Package compare implements the pixel-difference motion comparator, the
// motion shader and comparison performance metrics.
//
// A pixel is changed when the sum of the absolute differences of its three
// channels exceeds threshold×3, i.e. when the per-channel average difference
// exceeds threshold.
package compare

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/e7canasta/orion-motion/internal/frame"
)

// DefaultThreshold is the per-channel threshold used when none is configured.
const DefaultThreshold = 50

// minBandRows is the smallest band worth a goroutine. ROIs with fewer rows
// than two bands are scanned sequentially.
const minBandRows = 16

var (
	// ErrShapeMismatch is returned when the frames differ in geometry. The
	// caller skips the pair.
	ErrShapeMismatch = errors.New("compare: frame shapes differ")
	// ErrNilFrame is returned when a frame is missing or released.
	ErrNilFrame = errors.New("compare: nil or released frame")
	// ErrInvalidThreshold is returned for negative thresholds.
	ErrInvalidThreshold = errors.New("compare: threshold must be >= 0")
)

// Result is the outcome of comparing two frames. It is not modified after
// it has been emitted.
type Result struct {
	Threshold          int
	ROI                ROI
	ChangedPixels      []image.Point
	ChangedPixelsCount int

	// Frame is the image shown for this result. Compare leaves it nil; the
	// comparison loop attaches an independent copy (shaded or not).
	Frame *frame.Frame

	// Metadata of the reference frame.
	FrameIndex      int
	FrameTime       time.Duration
	FramePercentage float64
	TraceID         string

	Elapsed time.Duration
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithWorkers bounds the number of goroutines a single Compare call uses.
func WithWorkers(n int) Option {
	return func(c *Comparator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMetrics records every comparison duration into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Comparator) { c.metrics = m }
}

// Comparator compares frames over a region of interest. It holds no per-call
// state and is safe for concurrent use.
type Comparator struct {
	workers int
	metrics *Metrics
}

// New creates a comparator using GOMAXPROCS workers unless configured.
func New(opts ...Option) *Comparator {
	c := &Comparator{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Workers returns the configured fan-out.
func (c *Comparator) Workers() int { return c.workers }

// Metrics returns the metrics sink, possibly nil.
func (c *Comparator) Metrics() *Metrics { return c.metrics }

// Compare returns the pixels inside roi whose summed channel difference
// between a and b exceeds threshold×3. Metadata is copied from b.
//
// Rows are scanned in contiguous bands, one goroutine per band. Each band
// collects into its own slice and bands are joined before returning, so the
// result is identical for any worker count.
func (c *Comparator) Compare(a, b *frame.Frame, roi ROI, threshold int) (*Result, error) {
	if a == nil || b == nil || a.Released() || b.Released() {
		return nil, ErrNilFrame
	}
	if !a.SameSizeAs(b) {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}

	started := time.Now()
	bounds := roi.Bounds(a.Width, a.Height)
	effective := threshold * 3

	var changed []image.Point
	rows := bounds.Dy()
	bands := c.bands(rows)

	switch {
	case bounds.Empty():
	case bands <= 1:
		changed = scanRows(a, b, bounds, bounds.Min.Y, bounds.Max.Y, effective)
	default:
		parts := make([][]image.Point, bands)
		per := (rows + bands - 1) / bands

		var wg sync.WaitGroup
		for i := 0; i < bands; i++ {
			y0 := bounds.Min.Y + i*per
			y1 := y0 + per
			if y1 > bounds.Max.Y {
				y1 = bounds.Max.Y
			}
			if y0 >= y1 {
				continue
			}
			wg.Add(1)
			go func(i, y0, y1 int) {
				defer wg.Done()
				parts[i] = scanRows(a, b, bounds, y0, y1, effective)
			}(i, y0, y1)
		}
		wg.Wait()

		total := 0
		for _, p := range parts {
			total += len(p)
		}
		changed = make([]image.Point, 0, total)
		for _, p := range parts {
			changed = append(changed, p...)
		}
	}

	elapsed := time.Since(started)
	if c.metrics != nil {
		c.metrics.Observe(elapsed)
	}

	return &Result{
		Threshold:          threshold,
		ROI:                roi,
		ChangedPixels:      changed,
		ChangedPixelsCount: len(changed),
		FrameIndex:         b.Index,
		FrameTime:          b.Time,
		FramePercentage:    b.Percentage,
		TraceID:            b.TraceID,
		Elapsed:            elapsed,
	}, nil
}

// bands returns how many goroutines to use for rows rows.
func (c *Comparator) bands(rows int) int {
	n := rows / minBandRows
	if n > c.workers {
		n = c.workers
	}
	return n
}

// scanRows compares rows [y0, y1) within bounds.
func scanRows(a, b *frame.Frame, bounds image.Rectangle, y0, y1, effective int) []image.Point {
	bpp := a.Format.BytesPerPixel()
	var changed []image.Point

	for y := y0; y < y1; y++ {
		start := y*a.Stride + bounds.Min.X*bpp
		end := y*a.Stride + bounds.Max.X*bpp
		rowA := a.Data[start:end]
		rowB := b.Data[start:end]

		for i, x := 0, bounds.Min.X; i < len(rowA); i, x = i+bpp, x+1 {
			diff := absDiff(rowA[i], rowB[i]) +
				absDiff(rowA[i+1], rowB[i+1]) +
				absDiff(rowA[i+2], rowB[i+2])
			if diff > effective {
				changed = append(changed, image.Point{X: x, Y: y})
			}
		}
	}
	return changed
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
