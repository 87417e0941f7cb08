package compare

import (
	"image"
	"image/color"

	"github.com/e7canasta/orion-motion/internal/frame"
)

// DefaultShadeRadius is the half-size of the square painted per pixel.
const DefaultShadeRadius = 1

// HighlightColor marks motion on shaded frames.
var HighlightColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// Shade returns a copy of f with a filled square of side 2·radius+1 painted
// around each changed pixel. f itself is never modified.
func Shade(f *frame.Frame, changed []image.Point, radius int, c color.RGBA) *frame.Frame {
	out := f.Clone()
	if radius < 0 {
		radius = 0
	}
	bounds := out.Bounds()

	for _, p := range changed {
		square := image.Rect(p.X-radius, p.Y-radius, p.X+radius+1, p.Y+radius+1).Intersect(bounds)
		for y := square.Min.Y; y < square.Max.Y; y++ {
			for x := square.Min.X; x < square.Max.X; x++ {
				out.SetPixel(x, y, c.R, c.G, c.B)
			}
		}
	}
	return out
}
