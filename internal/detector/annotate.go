package detector

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mikeyg42/detectcam/internal/frame"
)

var (
	BoxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	LabelColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const boxThickness = 2

// Annotate returns a copy of f with a rectangle and a "label: confidence"
// caption drawn for every detection. f itself is not modified.
func Annotate(f *frame.Frame, dets []frame.Detection) *frame.Frame {
	out := f.Clone()
	if out.Image == nil {
		return out
	}
	canvas := frame.ToRGBA(out.Image)
	for _, d := range dets {
		drawBox(canvas, d.Box.Rect(), BoxColor)
		drawLabel(canvas, d, BoxColor, LabelColor)
	}
	out.Image = canvas
	return out
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.Color) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, d frame.Detection, bg, fg color.Color) {
	face := basicfont.Face7x13
	text := fmt.Sprintf("%s: %.2f", d.Label, d.Confidence)

	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(fg), Face: face}
	width := drawer.MeasureString(text).Ceil()
	height := face.Metrics().Height.Ceil()

	// caption sits above the box, or inside it when the box touches the top edge
	top := d.Box.Y - height
	if top < img.Bounds().Min.Y {
		top = d.Box.Y
	}
	bgRect := image.Rect(d.Box.X, top, d.Box.X+width+2, top+height).Intersect(img.Bounds())
	if bgRect.Empty() {
		return
	}
	draw.Draw(img, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)

	drawer.Dot = fixed.Point26_6{
		X: fixed.I(d.Box.X + 1),
		Y: fixed.I(top + face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
}
