package compare

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidROI is returned for regions outside [0,1] or with inverted
// bounds.
var ErrInvalidROI = errors.New("compare: invalid region of interest")

// ROI is a rectangle expressed as fractions of frame width and height, so it
// survives resolution changes between playback sessions.
type ROI struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Right  float64 `json:"right" yaml:"right"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
}

// FullFrame is the ROI covering the whole frame.
func FullFrame() ROI {
	return ROI{Left: 0, Top: 0, Right: 1, Bottom: 1}
}

// Validate rejects NaN, out of range and inverted bounds.
func (r ROI) Validate() error {
	for _, v := range []float64{r.Left, r.Top, r.Right, r.Bottom} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %v outside [0,1]", ErrInvalidROI, r)
		}
	}
	if r.Left > r.Right || r.Top > r.Bottom {
		return fmt.Errorf("%w: %v is inverted", ErrInvalidROI, r)
	}
	return nil
}

// Bounds converts the ROI to pixels: x in [w·Left, w·Right), y in
// [h·Top, h·Bottom). The result is clamped to the frame; an inverted ROI
// yields an empty rectangle.
func (r ROI) Bounds(width, height int) image.Rectangle {
	rect := image.Rectangle{
		Min: image.Pt(int(float64(width)*r.Left), int(float64(height)*r.Top)),
		Max: image.Pt(int(float64(width)*r.Right), int(float64(height)*r.Bottom)),
	}
	return rect.Intersect(image.Rect(0, 0, width, height))
}

// String implements fmt.Stringer.
func (r ROI) String() string {
	return fmt.Sprintf("[%.3f,%.3f → %.3f,%.3f]", r.Left, r.Top, r.Right, r.Bottom)
}
