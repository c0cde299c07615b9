package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

var errUnplugged = errors.New("device unplugged")

// script describes one source handed out by fakeOpener. frames < 0 yields
// forever. After the frames run out, Read returns after, or blocks until the
// context ends when after is nil. A non-nil gate holds Close until it is
// closed; closing is signalled first.
type script struct {
	frames   int
	after    error
	delay    time.Duration
	closeErr error
	gate     <-chan struct{}
	closing  chan<- struct{}
}

type fakeSource struct {
	id        string
	remaining int
	after     error
	delay     time.Duration
	closeErr  error
	gate      <-chan struct{}
	closing   chan<- struct{}
	seq       *atomic.Uint64
	closes    atomic.Int32
}

func (s *fakeSource) Read(ctx context.Context) (*frame.Frame, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.remaining != 0 {
		if s.remaining > 0 {
			s.remaining--
		}
		n := s.seq.Add(1)
		return frame.New(s.id, n, image.NewRGBA(image.Rect(0, 0, 8, 6))), nil
	}
	if s.after == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if errors.Is(s.after, source.ErrEndOfStream) {
		return nil, s.after
	}
	return nil, &source.ReadError{ID: s.id, Err: s.after}
}

func (s *fakeSource) Close() error {
	if s.closing != nil {
		select {
		case s.closing <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.closes.Add(1)
	return s.closeErr
}

type fakeOpener struct {
	mu      sync.Mutex
	scripts []script
	openErr error // returned once scripts are exhausted
	seq     atomic.Uint64
	opened  []*fakeSource
	calls   int
}

func (o *fakeOpener) Open(ctx context.Context, id string) (source.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if len(o.scripts) == 0 {
		err := o.openErr
		if err == nil {
			err = errors.New("no such device")
		}
		return nil, err
	}
	sc := o.scripts[0]
	o.scripts = o.scripts[1:]
	s := &fakeSource{
		id:        id,
		remaining: sc.frames,
		after:     sc.after,
		delay:     sc.delay,
		closeErr:  sc.closeErr,
		gate:      sc.gate,
		closing:   sc.closing,
		seq:       &o.seq,
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) openCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) sources() []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeSource(nil), o.opened...)
}

type fakeDetector struct {
	calls  atomic.Int32
	failOn map[uint64]bool
}

func (d *fakeDetector) Infer(ctx context.Context, f *frame.Frame) (detector.Result, error) {
	d.calls.Add(1)
	if d.failOn[f.Sequence] {
		return detector.Result{}, &detector.DetectError{FrameID: f.ID, Err: errors.New("model timeout")}
	}
	dets := []frame.Detection{{Label: "person", Confidence: 0.8, Box: frame.BoundingBox{X: 1, Y: 1, Width: 3, Height: 3}}}
	return detector.Result{Detections: dets, Annotated: detector.Annotate(f, dets)}, nil
}

type written struct {
	frameID  string
	seq      uint64
	cameraID string
}

type fakeSink struct {
	mu     sync.Mutex
	writes []written
	fail   bool
}

func (s *fakeSink) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("disk full")
	}
	s.writes = append(s.writes, written{frameID: f.ID, seq: f.Sequence, cameraID: cameraID})
	return "/out/" + cameraID + "/" + f.ID + ".jpg", nil
}

func (s *fakeSink) snapshot() []written {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]written(nil), s.writes...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	sources []string
}

func (r *fakeRecorder) Record(ctx context.Context, cameraID, src string, f *frame.Frame, dets []frame.Detection, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
	return nil
}

func fastReconnect(attempts int) ReconnectPolicy {
	return ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func newTestPipeline(t *testing.T, cfg Config, op *fakeOpener, det detector.Detector, sk *fakeSink) *Pipeline {
	t.Helper()
	if cfg.CameraID == "" {
		cfg.CameraID = "cam0"
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = fastReconnect(3)
	}
	p, err := NewPipeline(cfg, Deps{Opener: op, Detector: det, Sink: sk, Logger: camlog.Nop()})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
