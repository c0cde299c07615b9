package frame

import (
	"image"
	"image/color"
	"testing"
)

func TestCloneIsIndependent(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	f := New("cam0", 7, img)

	c := f.Clone()
	if c.ID == f.ID {
		t.Fatal("clone should get a fresh ID")
	}
	if c.Sequence != 7 || c.CameraID != "cam0" {
		t.Fatalf("clone lost metadata: %v", c)
	}

	c.Image.(*image.RGBA).Set(1, 1, color.RGBA{G: 200, A: 255})
	if r, _, _, _ := f.Image.At(1, 1).RGBA(); r>>8 != 200 {
		t.Fatal("mutating the clone changed the original")
	}
}

func TestCloneImageFallsBackToRGBA(t *testing.T) {
	src := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	out := CloneImage(src)
	if _, ok := out.(*image.RGBA); !ok {
		t.Fatalf("expected *image.RGBA, got %T", out)
	}
}

func TestFromCenter(t *testing.T) {
	b := FromCenter(50, 40, 20, 10)
	want := BoundingBox{X: 40, Y: 35, Width: 20, Height: 10}
	if b != want {
		t.Fatalf("got %+v, want %+v", b, want)
	}
	if b.Rect() != image.Rect(40, 35, 60, 45) {
		t.Fatalf("unexpected rect %v", b.Rect())
	}
}

func TestDetectionValidate(t *testing.T) {
	testCases := []struct {
		name    string
		det     Detection
		wantErr bool
	}{
		{"ok", Detection{Label: "person", Confidence: 0.9}, false},
		{"empty label", Detection{Confidence: 0.5}, true},
		{"confidence above one", Detection{Label: "car", Confidence: 1.2}, true},
		{"negative box", Detection{Label: "car", Confidence: 0.2, Box: BoundingBox{Width: -1}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.det.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
