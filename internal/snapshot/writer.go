// Package snapshot exports result frames as PNG or JPEG images.
package snapshot

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/frame"
)

const queueSize = 4

// Writer saves one of every N result frames on a background goroutine.
// Offer never blocks the comparison loop; frames that arrive while the
// queue is full are skipped.
type Writer struct {
	cfg   config.SnapshotsConfig
	queue chan *compare.Result
	wg    sync.WaitGroup

	offered atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// New creates the output directory and a writer for cfg.
func New(cfg config.SnapshotsConfig) (*Writer, error) {
	if cfg.Every <= 0 {
		cfg.Every = 1
	}
	if cfg.Format != "png" && cfg.Format != "jpeg" {
		return nil, fmt.Errorf("snapshot: unsupported format %q", cfg.Format)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", cfg.Dir, err)
	}
	return &Writer{cfg: cfg, queue: make(chan *compare.Result, queueSize)}, nil
}

// Start runs the encoder until ctx is cancelled. Results still queued at
// that point are written before the goroutine exits.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case r := <-w.queue:
				w.save(r)
			case <-ctx.Done():
				for {
					select {
					case r := <-w.queue:
						w.save(r)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the encoder goroutine has exited.
func (w *Writer) Wait() { w.wg.Wait() }

// Offer considers r for export. Results without a frame are ignored.
func (w *Writer) Offer(r *compare.Result) {
	if r == nil || r.Frame == nil {
		return
	}
	if (w.offered.Add(1)-1)%uint64(w.cfg.Every) != 0 {
		return
	}
	select {
	case w.queue <- r:
	default:
		w.dropped.Add(1)
		slog.Debug("snapshot: encoder busy, skipping frame", "frame", r.FrameIndex)
	}
}

func (w *Writer) save(r *compare.Result) {
	name := fmt.Sprintf("frame_%06d.%s", r.FrameIndex, w.cfg.Format)
	path := filepath.Join(w.cfg.Dir, name)
	if err := WriteFile(path, r.Frame, w.cfg.Format, w.cfg.Quality); err != nil {
		w.errors.Add(1)
		slog.Warn("snapshot: write failed", "path", path, "error", err)
		return
	}
	w.written.Add(1)
	slog.Debug("snapshot: written", "path", path, "changed_pixels", r.ChangedPixelsCount)
}

// WriteFile encodes f to path as "png" or "jpeg".
func WriteFile(path string, f *frame.Frame, format string, quality int) (err error) {
	if f == nil || f.Released() {
		return fmt.Errorf("snapshot: nil or released frame")
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("snapshot: close: %w", cerr)
		}
	}()

	img := f.ToRGBA()
	switch format {
	case "png":
		err = png.Encode(out, img)
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", path, err)
	}
	return nil
}

// Stats contains writer statistics
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

// Stats returns writer statistics
func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Errors:  w.errors.Load(),
	}
}
