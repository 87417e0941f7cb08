// Package frame defines the raster image unit that flows through the
// motion pipeline.
//
// A Frame owns its pixel buffer. Whoever holds a Frame is responsible for
// calling Release once it is no longer needed; consumers that keep a frame
// beyond the call that handed it to them must Clone it first.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// PixelFormat describes channel count and order of a packed pixel.
type PixelFormat int

const (
	// BGR24 is 3 bytes per pixel in blue, green, red order (decoder native).
	BGR24 PixelFormat = iota
	// RGB24 is 3 bytes per pixel in red, green, blue order.
	RGB24
)

// BytesPerPixel returns the packed pixel size of the format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case BGR24, RGB24:
		return 3
	default:
		return 0
	}
}

// String returns the GStreamer caps name of the format.
func (p PixelFormat) String() string {
	switch p {
	case BGR24:
		return "BGR"
	case RGB24:
		return "RGB"
	default:
		return "unknown"
	}
}

// ParsePixelFormat maps a caps or config name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "BGR", "bgr", "bgr24", "BGR24":
		return BGR24, nil
	case "RGB", "rgb", "rgb24", "RGB24":
		return RGB24, nil
	default:
		return 0, fmt.Errorf("frame: unknown pixel format %q", s)
	}
}

var (
	// ErrInvalidSize is returned for non-positive dimensions.
	ErrInvalidSize = errors.New("frame: invalid size")
	// ErrShortBuffer is returned when pixel data is smaller than Stride*Height.
	ErrShortBuffer = errors.New("frame: pixel data shorter than stride*height")
)

// Stride returns the row size in bytes for width pixels of bpp bytes,
// padded to a 4-byte boundary.
func Stride(width, bpp int) int {
	return ((width*bpp*8 + 31) / 32) * 4
}

// Size returns the number of bytes a packed image of the given geometry
// occupies.
func Size(width, height int, format PixelFormat) int {
	return Stride(width, format.BytesPerPixel()) * height
}

// Frame is one decoded image plus its position in the video.
type Frame struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte

	// Index is the sequence number from the start of the playback segment.
	Index int
	// Time is the offset of the frame from the beginning of the video.
	Time time.Duration
	// Percentage is the position of the frame in [0,1] of the video.
	Percentage float64
	// Decoded is set once the pixel buffer holds a complete image.
	Decoded bool
	// DecodeLatency is the time taken to assemble the image from the feed.
	DecodeLatency time.Duration

	Timestamp time.Time
	TraceID   string
}

// New allocates a zeroed frame.
func New(width, height int, format PixelFormat) (*Frame, error) {
	if width <= 0 || height <= 0 || format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%w: %dx%d %s", ErrInvalidSize, width, height, format)
	}
	stride := Stride(width, format.BytesPerPixel())
	return &Frame{
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Data:      make([]byte, stride*height),
		Timestamp: time.Now(),
	}, nil
}

// FromBytes wraps data as a frame without copying. data must hold at least
// Stride*Height bytes.
func FromBytes(width, height int, format PixelFormat, data []byte) (*Frame, error) {
	if width <= 0 || height <= 0 || format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%w: %dx%d %s", ErrInvalidSize, width, height, format)
	}
	stride := Stride(width, format.BytesPerPixel())
	if len(data) < stride*height {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(data), stride*height)
	}
	return &Frame{
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Data:      data[:stride*height],
		Decoded:   true,
		Timestamp: time.Now(),
	}, nil
}

// Clone returns a deep copy of f. The copy owns a fresh pixel buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return &c
}

// Release drops the pixel buffer. Safe to call more than once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.Data = nil
	f.Decoded = false
}

// Released reports whether the pixel buffer has been dropped.
func (f *Frame) Released() bool {
	return f.Data == nil
}

// SameSizeAs reports whether o has identical geometry.
func (f *Frame) SameSizeAs(o *Frame) bool {
	if f == nil || o == nil {
		return false
	}
	return f.Width == o.Width && f.Height == o.Height && f.Stride == o.Stride &&
		f.Format.BytesPerPixel() == o.Format.BytesPerPixel()
}

// Bounds returns the pixel rectangle of the frame.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Offset returns the byte offset of pixel (x, y).
func (f *Frame) Offset(x, y int) int {
	return y*f.Stride + x*f.Format.BytesPerPixel()
}

// Pixel returns the red, green and blue components at (x, y).
func (f *Frame) Pixel(x, y int) (r, g, b uint8) {
	o := f.Offset(x, y)
	p := f.Data[o : o+3]
	if f.Format == RGB24 {
		return p[0], p[1], p[2]
	}
	return p[2], p[1], p[0]
}

// SetPixel writes the red, green and blue components at (x, y).
func (f *Frame) SetPixel(x, y int, r, g, b uint8) {
	o := f.Offset(x, y)
	p := f.Data[o : o+3]
	if f.Format == RGB24 {
		p[0], p[1], p[2] = r, g, b
		return
	}
	p[0], p[1], p[2] = b, g, r
}

// Fill paints every pixel with the given color.
func (f *Frame) Fill(r, g, b uint8) {
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.SetPixel(x, y, r, g, b)
		}
	}
}

// ToRGBA converts the frame into an image.RGBA for the standard encoders.
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			r, g, b := f.Pixel(x, y)
			i := x * 4
			row[i] = r
			row[i+1] = g
			row[i+2] = b
			row[i+3] = 255
		}
	}
	return img
}

// String implements fmt.Stringer for log attributes.
func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d %dx%d %s t=%s", f.Index, f.Width, f.Height, f.Format, f.Time)
}
