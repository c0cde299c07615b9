package frame

import (
	"fmt"
	"image"
)

// BoundingBox is an axis-aligned box in pixel coordinates, top-left origin.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box into an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// FromCenter builds a box from centre coordinates, as most inference APIs report them.
func FromCenter(cx, cy, w, h float64) BoundingBox {
	return BoundingBox{
		X:      int(cx - w/2),
		Y:      int(cy - h/2),
		Width:  int(w),
		Height: int(h),
	}
}

// Detection is one labeled object found in a frame.
type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s: %.2f", d.Label, d.Confidence)
}

// Validate checks the invariants every producer must honour.
func (d Detection) Validate() error {
	if d.Label == "" {
		return fmt.Errorf("detection: empty label")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detection %q: confidence %.3f outside [0,1]", d.Label, d.Confidence)
	}
	if d.Box.Width < 0 || d.Box.Height < 0 {
		return fmt.Errorf("detection %q: negative box size", d.Label)
	}
	return nil
}
