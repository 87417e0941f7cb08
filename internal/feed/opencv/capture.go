// Package opencv implements the decode feed and metadata probe with OpenCV
// VideoCapture (gocv). It is the fallback backend for hosts without the
// GStreamer plugins needed by decodebin.
package opencv

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-motion/internal/feed"
	"github.com/e7canasta/orion-motion/internal/frame"
)

// Feed reads frames through gocv.VideoCapture.
type Feed struct{}

// NewFeed returns an OpenCV feed.
func NewFeed() *Feed { return &Feed{} }

// Run implements feed.Feed.
func (Feed) Run(ctx context.Context, s feed.Settings, w io.Writer) error {
	if _, err := os.Stat(s.Path); err != nil {
		return feed.Errorf("open", err)
	}

	vc, err := gocv.VideoCaptureFile(s.Path)
	if err != nil {
		return feed.Errorf("open", err)
	}
	defer vc.Close()

	if s.Start > 0 {
		vc.Set(gocv.VideoCapturePosMsec, float64(s.Start.Milliseconds()))
	}

	img := gocv.NewMat()
	defer img.Close()
	scaled := gocv.NewMat()
	defer scaled.Close()

	size := image.Pt(s.Width, s.Height)
	bpp := s.Format.BytesPerPixel()
	stride := frame.Stride(s.Width, bpp)
	packed := make([]byte, stride*s.Height)
	budget := s.FrameBudget()

	frames := 0
	for budget == 0 || frames < budget {
		if err := ctx.Err(); err != nil {
			return &feed.Error{Op: "read", Kind: feed.KindAborted, Err: err}
		}
		if ok := vc.Read(&img); !ok || img.Empty() {
			break
		}

		gocv.Resize(img, &scaled, size, 0, 0, gocv.InterpolationLinear)
		if s.Format == frame.RGB24 {
			gocv.CvtColor(scaled, &scaled, gocv.ColorBGRToRGB)
		}

		pack(scaled.ToBytes(), packed, s.Width*bpp, stride, s.Height)
		if _, err := w.Write(packed); err != nil {
			return feed.Errorf("write", err)
		}
		frames++
	}

	slog.Debug("opencv: segment finished", "path", s.Path, "frames", frames)
	return nil
}

// pack copies tightly packed rows into stride-aligned rows.
func pack(src, dst []byte, rowBytes, stride, height int) {
	for y := 0; y < height; y++ {
		copy(dst[y*stride:y*stride+rowBytes], src[y*rowBytes:(y+1)*rowBytes])
	}
}

// Prober reads metadata from the capture properties.
type Prober struct{}

// NewProber returns an OpenCV prober.
func NewProber() *Prober { return &Prober{} }

// Probe implements feed.Prober.
func (Prober) Probe(_ context.Context, path string) (feed.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return feed.Info{}, feed.Errorf("probe", err)
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return feed.Info{}, feed.Errorf("probe", err)
	}
	defer vc.Close()

	fps := vc.Get(gocv.VideoCaptureFPS)
	count := int(vc.Get(gocv.VideoCaptureFrameCount))
	info := feed.Info{
		Path:       path,
		FPS:        fps,
		FrameCount: count,
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if fps > 0 && !math.IsNaN(fps) {
		info.Duration = time.Duration(float64(count) / fps * float64(time.Second))
	}
	if info.Width <= 0 || info.Height <= 0 {
		return feed.Info{}, &feed.Error{Op: "probe", Kind: feed.KindDecode, Err: fmt.Errorf("no video stream in %s", path)}
	}

	slog.Info("opencv: video metadata detected",
		"path", path,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
		"frames", info.FrameCount,
	)
	return info, nil
}
