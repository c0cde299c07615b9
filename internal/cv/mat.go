// Package cv adapts OpenCV (gocv) to the capture pipeline: camera, video and
// image sources, a background-subtraction motion detector, a video sink and
// an on-screen display.
package cv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// ToMat converts an image to a BGR Mat. The caller owns the Mat.
func ToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("cv: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return gocv.NewMat(), fmt.Errorf("cv: empty image bounds")
	}

	switch im := img.(type) {
	case *image.Gray:
		return grayToMat(im)
	default:
		rgba := unpremultiply(frame.ToRGBA(img))
		mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, rgba)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("cv: mat from rgba: %w", err)
		}
		defer mat.Close()
		out := gocv.NewMat()
		gocv.CvtColor(mat, &out, gocv.ColorRGBAToBGR)
		return out, nil
	}
}

// unpremultiply packs im into a tight straight-alpha buffer, which avoids dark
// halos on partly transparent pixels.
func unpremultiply(im *image.RGBA) []byte {
	w, h := im.Rect.Dx(), im.Rect.Dy()
	buf := make([]byte, 4*w*h)
	dst := 0
	for y := 0; y < h; y++ {
		row := im.Pix[y*im.Stride : y*im.Stride+4*w]
		for x := 0; x < 4*w; x += 4 {
			r, g, b, a := row[x], row[x+1], row[x+2], row[x+3]
			if a > 0 && a < 255 {
				r = uint8(uint32(r) * 255 / uint32(a))
				g = uint8(uint32(g) * 255 / uint32(a))
				b = uint8(uint32(b) * 255 / uint32(a))
			}
			buf[dst], buf[dst+1], buf[dst+2], buf[dst+3] = r, g, b, a
			dst += 4
		}
	}
	return buf
}

func grayToMat(im *image.Gray) (gocv.Mat, error) {
	w, h := im.Rect.Dx(), im.Rect.Dy()
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := y * im.Stride
		copy(buf[y*w:(y+1)*w], im.Pix[off:off+w])
	}
	gray, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cv: mat from gray: %w", err)
	}
	defer gray.Close()
	out := gocv.NewMat()
	gocv.CvtColor(gray, &out, gocv.ColorGrayToBGR)
	return out, nil
}

// FromMat decodes a BGR Mat into a frame for cameraID.
func FromMat(mat gocv.Mat, cameraID string, seq uint64) (*frame.Frame, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("cv: empty mat")
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("cv: mat to image: %w", err)
	}
	return frame.New(cameraID, seq, img), nil
}
