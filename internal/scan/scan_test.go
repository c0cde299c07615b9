package scan

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

type clipSource struct {
	id     string
	n      int
	served int
	closed bool
}

func (s *clipSource) Read(ctx context.Context) (*frame.Frame, error) {
	if s.served == s.n {
		return nil, source.ErrEndOfStream
	}
	s.served++
	return frame.New(s.id, uint64(s.served), image.NewRGBA(image.Rect(0, 0, 4, 4))), nil
}

func (s *clipSource) Close() error {
	s.closed = true
	return nil
}

type memSink struct {
	mu    sync.Mutex
	paths []string
	fail  bool
}

func (m *memSink) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("read-only filesystem")
	}
	p := fmt.Sprintf("output/img/%s/%d.jpg", cameraID, f.Sequence)
	m.paths = append(m.paths, p)
	return p, nil
}

type recorded struct {
	cameraID, source, path string
}

type memRecorder struct {
	rows []recorded
}

func (r *memRecorder) Record(ctx context.Context, cameraID, src string, f *frame.Frame, dets []frame.Detection, path string) error {
	r.rows = append(r.rows, recorded{cameraID, src, path})
	return nil
}

func mediaFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func personDetector(failSeq uint64) detector.Detector {
	return detector.Func(func(ctx context.Context, f *frame.Frame) (detector.Result, error) {
		if f.Sequence == failSeq {
			return detector.Result{}, &detector.DetectError{FrameID: f.ID, Err: errors.New("timeout")}
		}
		dets := []frame.Detection{{Label: "person", Confidence: 0.9, Box: frame.BoundingBox{X: 0, Y: 0, Width: 2, Height: 2}}}
		return detector.Result{Detections: dets, Annotated: detector.Annotate(f, dets)}, nil
	})
}

func TestScanPersistsEveryFrame(t *testing.T) {
	input := mediaFile(t, "hallway.mp4")
	src := &clipSource{id: input, n: 4}
	opener := source.OpenerFunc(func(ctx context.Context, id string) (source.Source, error) { return src, nil })
	sk := &memSink{}
	rec := &memRecorder{}

	s, err := New(Deps{Opener: opener, Detector: personDetector(3), Sink: sk, Recorder: rec, Logger: camlog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Scan(context.Background(), input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.CameraID != "hallway" {
		t.Fatalf("camera id = %q", report.CameraID)
	}
	if len(report.Items) != 4 || report.Failed != 1 {
		t.Fatalf("items=%d failed=%d", len(report.Items), report.Failed)
	}
	if got := report.Paths(); len(got) != 3 || got[2] != "output/img/hallway/4.jpg" {
		t.Fatalf("paths = %q", got)
	}
	if got := len(report.Detections()); got != 3 {
		t.Fatalf("detections = %d, want 3", got)
	}
	if len(rec.rows) != 3 || rec.rows[0].source != "scan" {
		t.Fatalf("recorded = %+v", rec.rows)
	}
	if !src.closed {
		t.Fatal("source not closed")
	}
	if report.ID == "" || report.Finished.Before(report.Started) {
		t.Fatalf("bad report bookkeeping: %+v", report)
	}
}

func TestScanStopsOnWriteFailure(t *testing.T) {
	input := mediaFile(t, "door.jpg")
	opener := source.OpenerFunc(func(ctx context.Context, id string) (source.Source, error) {
		return &clipSource{id: id, n: 1}, nil
	})
	s, _ := New(Deps{Opener: opener, Detector: personDetector(0), Sink: &memSink{fail: true}, Logger: camlog.Nop()})

	report, err := s.Scan(context.Background(), input)
	if err == nil {
		t.Fatal("expected write error")
	}
	if report == nil || len(report.Items) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestScanRejectsLiveInputs(t *testing.T) {
	opener := source.OpenerFunc(func(ctx context.Context, id string) (source.Source, error) {
		t.Fatalf("opener called for %q", id)
		return nil, nil
	})
	s, _ := New(Deps{Opener: opener, Detector: detector.Passthrough{}, Sink: &memSink{}, Logger: camlog.Nop()})

	for _, in := range []string{"0", "rtsp://cam/stream"} {
		if _, err := s.Scan(context.Background(), in); !errors.Is(err, ErrNotFileInput) {
			t.Fatalf("Scan(%q) err = %v, want ErrNotFileInput", in, err)
		}
	}
}

func TestScanPropagatesOpenError(t *testing.T) {
	input := mediaFile(t, "yard.avi")
	opener := source.OpenerFunc(func(ctx context.Context, id string) (source.Source, error) {
		return nil, &source.ConnectError{ID: id, Err: errors.New("codec missing")}
	})
	s, _ := New(Deps{Opener: opener, Detector: detector.Passthrough{}, Sink: &memSink{}, Logger: camlog.Nop()})
	if _, err := s.Scan(context.Background(), input); !source.IsConnectError(err) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
}

type countingCapturer struct {
	calls int
	fail  map[int]bool
}

func (c *countingCapturer) CaptureOne(ctx context.Context, handle string) ([]frame.Detection, string, error) {
	c.calls++
	if c.fail[c.calls] {
		return nil, "", errors.New("camera busy")
	}
	return []frame.Detection{{Label: "cat", Confidence: 0.5}}, fmt.Sprintf("output/img/%s/%d.jpg", handle, c.calls), nil
}

func TestAutoCapturesCountTimes(t *testing.T) {
	c := &countingCapturer{fail: map[int]bool{2: true}}
	report, err := Auto(context.Background(), c, AutoConfig{Camera: "0", Interval: time.Millisecond, Count: 4}, camlog.Nop())
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if c.calls != 4 {
		t.Fatalf("calls = %d, want 4", c.calls)
	}
	if report.Failed != 1 || len(report.Paths()) != 3 {
		t.Fatalf("failed=%d paths=%q", report.Failed, report.Paths())
	}
}

func TestAutoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &countingCapturer{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	report, err := Auto(ctx, c, AutoConfig{Camera: "0", Interval: time.Hour, Count: 3}, camlog.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.calls != 1 || len(report.Items) != 1 {
		t.Fatalf("calls=%d items=%d", c.calls, len(report.Items))
	}
}

func TestAutoValidatesConfig(t *testing.T) {
	if _, err := Auto(context.Background(), &countingCapturer{}, AutoConfig{Camera: "0"}, nil); err == nil {
		t.Fatal("expected error for zero count")
	}
}
