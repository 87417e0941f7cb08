package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/e7canasta/orion-motion/internal/frame"
)

// RawFile is a feed over header-less files of packed, row-padded frames,
// such as the output of `ffmpeg -f rawvideo -pix_fmt bgr24` for widths that
// are a multiple of four. The file geometry must equal the output geometry:
// raw input is never rescaled.
type RawFile struct {
	// ChunkSize controls how many bytes are handed to the writer per call.
	// Zero writes one frame per call.
	ChunkSize int
	// Pace, when set, sleeps between frames to emulate real-time decode.
	Pace time.Duration
}

// Run implements Feed.
func (r RawFile) Run(ctx context.Context, s Settings, w io.Writer) error {
	frameSize := frame.Size(s.Width, s.Height, s.Format)
	if frameSize <= 0 {
		return &Error{Op: "raw open", Kind: KindPipeline, Err: fmt.Errorf("invalid output size %dx%d", s.Width, s.Height)}
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return Errorf("raw open", err)
	}
	defer file.Close()

	if skip := int64(s.StartFrame()) * int64(frameSize); skip > 0 {
		if _, err := file.Seek(skip, io.SeekStart); err != nil {
			return Errorf("raw seek", err)
		}
	}

	chunk := r.ChunkSize
	if chunk <= 0 {
		chunk = frameSize
	}
	budget := s.FrameBudget()
	buf := make([]byte, frameSize)
	frames := 0

	for budget == 0 || frames < budget {
		if err := ctx.Err(); err != nil {
			return &Error{Op: "raw read", Kind: KindAborted, Err: err}
		}

		if _, err := io.ReadFull(file, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// A trailing partial frame is ignored.
				break
			}
			return Errorf("raw read", err)
		}

		for off := 0; off < frameSize; off += chunk {
			end := off + chunk
			if end > frameSize {
				end = frameSize
			}
			if _, err := w.Write(buf[off:end]); err != nil {
				return Errorf("raw write", err)
			}
		}
		frames++

		if r.Pace > 0 {
			select {
			case <-ctx.Done():
				return &Error{Op: "raw read", Kind: KindAborted, Err: ctx.Err()}
			case <-time.After(r.Pace):
			}
		}
	}

	slog.Debug("feed: raw segment finished", "path", s.Path, "frames", frames)
	return nil
}

// RawProber derives metadata for raw files from their size.
type RawProber struct {
	Width  int
	Height int
	Format frame.PixelFormat
	FPS    float64
}

// Probe implements Prober.
func (p RawProber) Probe(_ context.Context, path string) (Info, error) {
	frameSize := frame.Size(p.Width, p.Height, p.Format)
	if frameSize <= 0 || p.FPS <= 0 {
		return Info{}, &Error{Op: "raw probe", Kind: KindPipeline, Err: fmt.Errorf("raw geometry %dx%d@%.2f is incomplete", p.Width, p.Height, p.FPS)}
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, Errorf("raw probe", err)
	}

	count := int(st.Size() / int64(frameSize))
	return Info{
		Path:       path,
		Duration:   time.Duration(float64(count) / p.FPS * float64(time.Second)),
		FPS:        p.FPS,
		FrameCount: count,
		Width:      p.Width,
		Height:     p.Height,
	}, nil
}
