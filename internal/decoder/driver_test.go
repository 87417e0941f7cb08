package decoder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-motion/internal/frame"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
)

// stream builds n packed 5x2 BGR images; image i has every byte set to i.
func stream(n int) (cfg Config, data []byte) {
	cfg = Config{Width: 5, Height: 2, Format: frame.BGR24}
	size := frame.Size(cfg.Width, cfg.Height, cfg.Format)
	data = make([]byte, 0, n*size)
	for i := 0; i < n; i++ {
		data = append(data, bytes.Repeat([]byte{byte(i)}, size)...)
	}
	return cfg, data
}

func newBuffer(t *testing.T, capacity int) *framebuffer.Buffer {
	t.Helper()
	b, err := framebuffer.New(capacity, 1)
	if err != nil {
		t.Fatalf("framebuffer.New: %v", err)
	}
	return b
}

func TestNewValidation(t *testing.T) {
	buf := newBuffer(t, 4)
	ctx := context.Background()

	if _, err := New(ctx, Config{Width: 0, Height: 2}, buf); err == nil {
		t.Errorf("expected error for zero width")
	}
	if _, err := New(ctx, Config{Width: 2, Height: 2, Format: frame.PixelFormat(99)}, buf); err == nil {
		t.Errorf("expected error for unknown format")
	}
	if _, err := New(ctx, Config{Width: 2, Height: 2}, nil); err == nil {
		t.Errorf("expected error for nil buffer")
	}
}

func TestWriteChunking(t *testing.T) {
	testCases := []struct {
		name  string
		chunk int
	}{
		{"byte_at_a_time", 1},
		{"odd_chunks", 7},
		{"exact_frame", 32},
		{"larger_than_frame", 45},
		{"everything_at_once", 1 << 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, data := stream(4)
			buf := newBuffer(t, 16)
			d, err := New(context.Background(), cfg, buf)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			for off := 0; off < len(data); off += tc.chunk {
				end := off + tc.chunk
				if end > len(data) {
					end = len(data)
				}
				n, err := d.Write(data[off:end])
				if err != nil || n != end-off {
					t.Fatalf("Write(%d:%d) = %d, %v", off, end, n, err)
				}
			}

			if buf.Len() != 4 {
				t.Fatalf("got %d frames, want 4", buf.Len())
			}
			for i := 0; i < 4; i++ {
				f, _ := buf.PopFront()
				if !f.Decoded || f.Data[0] != byte(i) || f.Data[len(f.Data)-1] != byte(i) {
					t.Errorf("frame %d has wrong content (first=%d)", i, f.Data[0])
				}
				if f.Stride != 16 || f.TraceID == "" {
					t.Errorf("frame %d metadata: stride=%d trace=%q", i, f.Stride, f.TraceID)
				}
			}
		})
	}
}

func TestPartialFrameNeverDelivered(t *testing.T) {
	cfg, data := stream(2)
	buf := newBuffer(t, 4)
	d, _ := New(context.Background(), cfg, buf)

	size := d.FrameSize()
	_, _ = d.Write(data[:size+10])
	if buf.Len() != 1 {
		t.Fatalf("expected 1 complete frame, got %d", buf.Len())
	}
	if d.Stats().PendingBytes != 10 {
		t.Fatalf("pending = %d, want 10", d.Stats().PendingBytes)
	}

	d.Reset()
	if d.Stats().PendingBytes != 0 {
		t.Fatalf("Reset should discard partial bytes")
	}

	// After a reset the next full image starts from scratch.
	_, _ = d.Write(data[size:])
	if buf.Len() != 2 {
		t.Fatalf("expected 2 frames after re-sending image, got %d", buf.Len())
	}
	buf.PopFront()
	f, _ := buf.PopFront()
	if f.Data[0] != 1 || f.Data[size-1] != 1 {
		t.Errorf("frame after reset mixed old and new bytes")
	}
}

func TestAnnotateAndSubscribe(t *testing.T) {
	cfg, data := stream(3)
	next := 10
	cfg.Annotate = func(f *frame.Frame) {
		f.Index = next
		f.Time = time.Duration(next) * time.Second
		next++
	}

	buf := newBuffer(t, 8)
	d, _ := New(context.Background(), cfg, buf)

	var mu sync.Mutex
	var got []FrameReady
	unsubscribe := d.Subscribe(func(ev FrameReady) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	_, _ = d.Write(data[:2*d.FrameSize()])
	unsubscribe()
	_, _ = d.Write(data[2*d.FrameSize():])

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (third after unsubscribe)", len(got))
	}
	for i, ev := range got {
		if ev.Index != 10+i || ev.Time != time.Duration(10+i)*time.Second {
			t.Errorf("event %d = %+v", i, ev)
		}
	}

	f, _ := buf.PopFront()
	if f.Index != 10 {
		t.Errorf("annotation not applied before push: index=%d", f.Index)
	}
}

func TestWriteBlocksOnFullBufferAndCancels(t *testing.T) {
	cfg, data := stream(3)
	b, _ := framebuffer.New(2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	d, _ := New(ctx, cfg, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Write(data)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("Write returned before backpressure released: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Write did not unblock on cancel")
	}

	if b.Len() != 2 {
		t.Errorf("buffer len = %d, want 2", b.Len())
	}
	t.Logf("✅ Blocked write abandoned cleanly on cancellation")
}

func TestClearReleases(t *testing.T) {
	cfg, data := stream(2)
	buf := newBuffer(t, 4)
	d, _ := New(context.Background(), cfg, buf)

	_, _ = d.Write(data[:d.FrameSize()+3])
	d.Clear()
	if buf.Len() != 0 || d.Stats().PendingBytes != 0 {
		t.Errorf("Clear left state behind: len=%d pending=%d", buf.Len(), d.Stats().PendingBytes)
	}
	if d.Stats().Frames != 1 {
		t.Errorf("Frames = %d, want 1", d.Stats().Frames)
	}
}
