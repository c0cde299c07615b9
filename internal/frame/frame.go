// Package frame holds the values that flow through the capture pipeline:
// decoded frames and the detections produced for them.
package frame

import (
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/google/uuid"
)

// Frame is a decoded image plus capture metadata.
type Frame struct {
	ID        string
	CameraID  string
	Sequence  uint64
	Timestamp time.Time
	Image     image.Image
}

// New wraps img as a frame captured now.
func New(cameraID string, seq uint64, img image.Image) *Frame {
	return &Frame{
		ID:        uuid.NewString(),
		CameraID:  cameraID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Image:     img,
	}
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Clone returns a deep copy with a fresh ID; metadata other than the ID is kept.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	return &Frame{
		ID:        uuid.NewString(),
		CameraID:  f.CameraID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Image:     CloneImage(f.Image),
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{camera=%s seq=%d %dx%d}", f.CameraID, f.Sequence, f.Width(), f.Height())
}

// CloneImage copies pixel data using type-specific fast paths.
func CloneImage(img image.Image) image.Image {
	switch src := img.(type) {
	case nil:
		return nil
	case *image.RGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.NRGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.Gray:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = append([]byte(nil), src.Y...)
		dst.Cb = append([]byte(nil), src.Cb...)
		dst.Cr = append([]byte(nil), src.Cr...)
		return &dst
	default:
		return ToRGBA(img)
	}
}

// ToRGBA converts img into a new, independent *image.RGBA.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}
