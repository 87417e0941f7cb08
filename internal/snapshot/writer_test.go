package snapshot

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/frame"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(6, 4, frame.BGR24)
	if err != nil {
		t.Fatal(err)
	}
	f.Fill(10, 20, 30)
	f.SetPixel(2, 1, 255, 0, 0)
	return f
}

func TestWriteFile(t *testing.T) {
	testCases := []struct {
		format string
		decode func(*os.File) (image.Image, error)
	}{
		{"png", func(f *os.File) (image.Image, error) { return png.Decode(f) }},
		{"jpeg", func(f *os.File) (image.Image, error) { return jpeg.Decode(f) }},
	}

	for _, tc := range testCases {
		t.Run(tc.format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out."+tc.format)
			if err := WriteFile(path, testFrame(t), tc.format, 95); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			in, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer in.Close()
			img, err := tc.decode(in)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if img.Bounds() != image.Rect(0, 0, 6, 4) {
				t.Errorf("bounds = %v", img.Bounds())
			}
			if tc.format == "png" {
				r, g, b, _ := img.At(2, 1).RGBA()
				if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
					t.Errorf("pixel (2,1) = %d,%d,%d, want 255,0,0", r>>8, g>>8, b>>8)
				}
			}
		})
	}

	released := testFrame(t)
	released.Release()
	if err := WriteFile(filepath.Join(t.TempDir(), "x.png"), released, "png", 0); err == nil {
		t.Error("released frame should fail")
	}
}

func TestWriterEveryN(t *testing.T) {
	dir := t.TempDir()
	w, err := New(config.SnapshotsConfig{Dir: filepath.Join(dir, "snaps"), Every: 3, Format: "png"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	for i := 0; i < 7; i++ {
		w.Offer(&compare.Result{FrameIndex: i, Frame: testFrame(t)})
	}
	w.Offer(&compare.Result{FrameIndex: 99})

	cancel()
	w.Wait()

	for _, idx := range []int{0, 3, 6} {
		path := filepath.Join(dir, "snaps", fmt.Sprintf("frame_%06d.png", idx))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing snapshot for frame %d: %v", idx, err)
		}
	}
	if s := w.Stats(); s.Written != 3 || s.Dropped != 0 || s.Errors != 0 {
		t.Errorf("stats = %+v, want 3 written", s)
	}
	t.Logf("✅ Wrote %d snapshots", w.Stats().Written)
}

func TestNewRejectsFormat(t *testing.T) {
	if _, err := New(config.SnapshotsConfig{Dir: t.TempDir(), Format: "gif"}); err == nil {
		t.Error("gif should be rejected")
	}
}
