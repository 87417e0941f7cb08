// Package feed defines the contract of the external decode feed and ships a
// pure-Go implementation for pre-decoded raw files.
//
// A feed turns a media file into a stream of packed pixel rows at a requested
// output size and writes it into an io.Writer (normally a decoder.Driver).
// Media backends live in sub-packages:
//   - gstreamer: decodebin based pipeline (go-gst)
//   - opencv: VideoCapture based reader (gocv)
package feed

import (
	"context"
	"io"
	"time"

	"github.com/e7canasta/orion-motion/internal/frame"
)

// Settings configures one run of a feed.
type Settings struct {
	Path string

	// Output geometry. Rows are packed with 4-byte alignment.
	Width  int
	Height int
	Format frame.PixelFormat

	// Start is the seek offset into the video.
	Start time.Duration
	// MaxDuration bounds the decoded segment. Zero decodes to the end.
	MaxDuration time.Duration
	// FPS of the source, used to turn durations into frame counts.
	FPS float64
}

// FrameBudget returns the number of frames MaxDuration covers, or 0 when
// the segment is unbounded.
func (s Settings) FrameBudget() int {
	if s.MaxDuration <= 0 || s.FPS <= 0 {
		return 0
	}
	n := int(s.MaxDuration.Seconds()*s.FPS + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// StartFrame returns the frame index Start lands on.
func (s Settings) StartFrame() int {
	if s.Start <= 0 || s.FPS <= 0 {
		return 0
	}
	return int(s.Start.Seconds()*s.FPS + 0.5)
}

// Feed decodes a file into w.
//
// Run blocks until the segment has been decoded (returns nil), ctx is
// cancelled, or the feed fails. Errors are *Error values so callers can
// decide which ones to discard.
type Feed interface {
	Run(ctx context.Context, s Settings, w io.Writer) error
}

// Func adapts a function to the Feed interface.
type Func func(ctx context.Context, s Settings, w io.Writer) error

// Run implements Feed.
func (f Func) Run(ctx context.Context, s Settings, w io.Writer) error {
	return f(ctx, s, w)
}

// Info is container metadata of a video file.
type Info struct {
	Path       string
	Duration   time.Duration
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Prober reads container metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, path string) (Info, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, path string) (Info, error) {
	return f(ctx, path)
}
