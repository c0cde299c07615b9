package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

func testFrame(w, h int) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return frame.New("cam0", 1, img)
}

func TestRoboflowInfer(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		raw, _ := io.ReadAll(r.Body)
		data, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			http.Error(w, "bad base64", http.StatusBadRequest)
			return
		}
		if _, err := jpeg.Decode(strings.NewReader(string(data))); err != nil {
			http.Error(w, "bad jpeg", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"predictions":[
			{"x":50,"y":40,"width":20,"height":10,"class":"person","confidence":0.91},
			{"x":10,"y":10,"width":4,"height":4,"class":"","confidence":0.5}
		]}`)
	}))
	defer srv.Close()

	d, err := NewRoboflowDetector(RoboflowConfig{
		Endpoint: srv.URL,
		APIKey:   "k",
		Project:  "people",
		Version:  "3",
	}, camlog.Nop())
	if err != nil {
		t.Fatalf("NewRoboflowDetector: %v", err)
	}

	in := testFrame(100, 80)
	res, err := d.Infer(context.Background(), in)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if gotPath != "/people/3" {
		t.Fatalf("path = %q", gotPath)
	}
	for _, want := range []string{"api_key=k", "confidence=40", "overlap=30"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
	if len(res.Detections) != 1 {
		t.Fatalf("detections = %v, want the one valid prediction", res.Detections)
	}
	want := frame.BoundingBox{X: 40, Y: 35, Width: 20, Height: 10}
	if res.Detections[0].Box != want {
		t.Fatalf("box = %+v, want %+v", res.Detections[0].Box, want)
	}
	if res.Annotated == nil || res.Annotated == in || res.Annotated.ID == in.ID {
		t.Fatalf("annotated frame must be a distinct frame")
	}
}

func TestRoboflowErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := NewRoboflowDetector(RoboflowConfig{Endpoint: srv.URL, APIKey: "k", Project: "p", Version: "1"}, camlog.Nop())
	if err != nil {
		t.Fatalf("NewRoboflowDetector: %v", err)
	}
	_, err = d.Infer(context.Background(), testFrame(8, 8))
	var de *DetectError
	if !errors.As(err, &de) {
		t.Fatalf("Infer error = %v, want *DetectError", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error %q does not carry status", err)
	}

	if _, err := NewRoboflowDetector(RoboflowConfig{Project: "p", Version: "1"}, nil); err == nil {
		t.Fatalf("missing api key accepted")
	}
}

func TestAnnotateLeavesSourceUntouched(t *testing.T) {
	in := testFrame(64, 64)
	before := append([]uint8(nil), in.Image.(*image.RGBA).Pix...)

	out := Annotate(in, []frame.Detection{{Label: "cat", Confidence: 0.7, Box: frame.BoundingBox{X: 10, Y: 20, Width: 30, Height: 20}}})

	after := in.Image.(*image.RGBA).Pix
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("source pixel %d modified", i)
		}
	}
	got := color.RGBAModel.Convert(out.Image.At(10, 30)).(color.RGBA)
	if got != BoxColor {
		t.Fatalf("left edge pixel = %v, want box colour", got)
	}
	if got := color.RGBAModel.Convert(out.Image.At(25, 30)).(color.RGBA); got == BoxColor {
		t.Fatalf("box interior was filled")
	}
}

type slowDetector struct {
	active, peak atomic.Int32
}

func (s *slowDetector) Infer(ctx context.Context, f *frame.Frame) (Result, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return Result{Annotated: f.Clone()}, nil
}

func TestSerializeAllowsOneCallAtATime(t *testing.T) {
	inner := &slowDetector{}
	d := Serialize(inner)
	if Serialize(d) != d {
		t.Fatalf("Serialize should not double-wrap")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Infer(context.Background(), testFrame(2, 2))
		}()
	}
	wg.Wait()
	if p := inner.peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
}
