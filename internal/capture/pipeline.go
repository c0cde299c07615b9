// Package capture runs the live capture loop (source, detector, sink) for each
// camera and exposes the control surface used by the CLI and HTTP API.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/detectcam/internal/buffer"
	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/sink"
	"github.com/mikeyg42/detectcam/internal/source"
)

// DisplayFunc shows one annotated frame. In Inline mode it runs on the worker
// goroutine; returning ErrStopLive ends the live loop. A callback that calls
// Stop, StopLive or Disconnect must pass the ctx it was given: that ctx marks
// the worker and yields ErrSelfJoin, while any other ctx waits on the worker
// that is running the callback and deadlocks.
type DisplayFunc func(ctx context.Context, f *frame.Frame, dets []frame.Detection) error

// Recorder receives every persisted capture.
type Recorder interface {
	Record(ctx context.Context, cameraID, source string, f *frame.Frame, dets []frame.Detection, path string) error
}

// Capture sources passed to the Recorder.
const (
	SourceLive   = "live"
	SourceSingle = "single"
)

// ReconnectPolicy bounds how a lost source is re-acquired.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts is the number of retries after the first immediate attempt.
	// Zero retries forever.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxAttempts:     10,
	}
}

func (r ReconnectPolicy) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		ebo.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		ebo.MaxInterval = r.MaxInterval
	}
	if r.Multiplier >= 1 {
		ebo.Multiplier = r.Multiplier
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	if r.MaxAttempts > 0 {
		return backoff.WithMaxRetries(ebo, uint64(r.MaxAttempts))
	}
	return ebo
}

// Config configures one pipeline.
type Config struct {
	CameraID       string
	Mode           Mode
	BufferCapacity int
	BufferPolicy   buffer.Policy
	Reconnect      ReconnectPolicy
	// Display is used in Inline mode; nil skips the display step.
	Display DisplayFunc
}

// Deps are the collaborators a pipeline drives.
type Deps struct {
	Opener   source.Opener
	Detector detector.Detector
	// Sink receives live frames.
	Sink sink.Sink
	// SingleSink receives one-shot captures; defaults to Sink.
	SingleSink sink.Sink
	Recorder   Recorder
	Logger     camlog.Logger
}

// Stats are cumulative pipeline counters.
type Stats struct {
	FramesCaptured    uint64        `json:"frames_captured"`
	FramesPersisted   uint64        `json:"frames_persisted"`
	FramesPublished   uint64        `json:"frames_published"`
	FramesDropped     uint64        `json:"frames_dropped"`
	DetectFailures    uint64        `json:"detect_failures"`
	WriteFailures     uint64        `json:"write_failures"`
	Reconnects        uint64        `json:"reconnects"`
	ReconnectFailures uint64        `json:"reconnect_failures"`
	Buffer            *buffer.Stats `json:"buffer,omitempty"`
}

type counters struct {
	captured, persisted, published, dropped atomic.Uint64
	detectFailures, writeFailures           atomic.Uint64
	reconnects, reconnectFailures           atomic.Uint64
}

// SingleResult is the outcome of CaptureSingle.
type SingleResult struct {
	Frame      *frame.Frame
	Annotated  *frame.Frame
	Detections []frame.Detection
	Path       string
}

type workerKey struct{}

// Pipeline owns one camera's source and runs at most one live worker.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger camlog.Logger

	state stateCell
	stats counters
	buf   atomic.Pointer[buffer.FrameBuffer]

	// lifecycle serializes Start, Stop, Connect, Close and CaptureSingle.
	lifecycle sync.Mutex
	idle      source.Source // open source held while no worker runs
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPipeline validates the configuration and returns an idle pipeline.
func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.CameraID == "" {
		return nil, fmt.Errorf("capture: camera id is required")
	}
	if deps.Opener == nil || deps.Detector == nil || deps.Sink == nil {
		return nil, fmt.Errorf("capture: opener, detector and sink are required")
	}
	if deps.SingleSink == nil {
		deps.SingleSink = deps.Sink
	}
	if deps.Logger == nil {
		deps.Logger = camlog.L()
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = buffer.DefaultCapacity
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("capture.pipeline").With(camlog.String("camera", cfg.CameraID)),
	}
	p.state.store(Disconnected)
	return p, nil
}

// CameraID returns the handle this pipeline is bound to.
func (p *Pipeline) CameraID() string { return p.cfg.CameraID }

// Mode returns the display mode.
func (p *Pipeline) Mode() Mode { return p.cfg.Mode }

// State returns the current stream state without locking.
func (p *Pipeline) State() StreamState { return p.state.load() }

func (p *Pipeline) setState(s StreamState) {
	if old := StreamState(p.state.v.Swap(int32(s))); old != s {
		p.logger.Debug("State change", camlog.String("from", old.String()), camlog.String("to", s.String()))
	}
}

// Running reports whether a live worker is active.
func (p *Pipeline) Running() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.runningLocked()
}

func (p *Pipeline) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// isWorker reports whether ctx belongs to this pipeline's worker.
func (p *Pipeline) isWorker(ctx context.Context) bool {
	w, _ := ctx.Value(workerKey{}).(*Pipeline)
	return w == p
}

func (p *Pipeline) open(ctx context.Context) (source.Source, error) {
	src, err := p.deps.Opener.Open(ctx, p.cfg.CameraID)
	if err != nil {
		if source.IsConnectError(err) {
			return nil, err
		}
		return nil, &source.ConnectError{ID: p.cfg.CameraID, Err: err}
	}
	return src, nil
}

// Connect acquires and holds an idle source. It is a no-op when a source is
// already held or the live loop is running.
func (p *Pipeline) Connect(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.connectLocked(ctx)
}

func (p *Pipeline) connectLocked(ctx context.Context) error {
	if p.runningLocked() || p.idle != nil {
		return nil
	}
	p.setState(Connecting)
	src, err := p.open(ctx)
	if err != nil {
		p.setState(Disconnected)
		p.logger.Warn("Connect failed", camlog.Error(err))
		return err
	}
	p.idle = src
	p.setState(Stopped)
	p.logger.Info("Camera connected")
	return nil
}

// Start launches the live worker. It is idempotent: a running pipeline is
// left untouched.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.runningLocked() {
		return nil
	}
	p.reapLocked()

	src := p.idle
	p.idle = nil
	if src == nil {
		p.setState(Connecting)
		var err error
		if src, err = p.open(ctx); err != nil {
			p.setState(Disconnected)
			p.logger.Warn("Start failed", camlog.Error(err))
			return err
		}
	}

	var buf *buffer.FrameBuffer
	if p.cfg.Mode == Decoupled {
		buf = buffer.New(p.cfg.BufferCapacity, p.cfg.BufferPolicy)
		p.buf.Store(buf)
	}

	// the worker outlives the request that started it
	wctx := context.WithValue(context.WithoutCancel(ctx), workerKey{}, p)
	wctx, cancel := context.WithCancel(wctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.setState(Streaming)

	go p.run(wctx, src, buf, done)

	p.logger.Info("Live stream started", camlog.String("mode", p.cfg.Mode.String()))
	return nil
}

// reapLocked clears bookkeeping of a worker that already exited on its own.
func (p *Pipeline) reapLocked() {
	if p.done == nil {
		return
	}
	<-p.done
	p.cancel()
	p.cancel = nil
	p.done = nil
}

// Stop cancels the live worker and waits for it to exit. It returns
// ErrSelfJoin when called from the worker itself.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.isWorker(ctx) {
		return &StateError{Op: "stop", CameraID: p.cfg.CameraID, State: p.State(), Err: ErrSelfJoin}
	}
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.stopLocked()
	return nil
}

func (p *Pipeline) stopLocked() {
	if p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Info("Live stream stopped")
}

// Close stops the worker, releases any idle source and leaves the pipeline
// Disconnected.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.isWorker(ctx) {
		return &StateError{Op: "close", CameraID: p.cfg.CameraID, State: p.State(), Err: ErrSelfJoin}
	}
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.stopLocked()
	var err error
	if p.idle != nil {
		err = p.idle.Close()
		p.idle = nil
	}
	p.setState(Disconnected)
	return err
}

// run is the live loop. It owns src and closes it exactly once on exit.
func (p *Pipeline) run(ctx context.Context, src source.Source, buf *buffer.FrameBuffer, done chan struct{}) {
	final := Disconnected
	defer func() {
		if src != nil {
			if err := src.Close(); err != nil {
				p.logger.Warn("Source close failed", camlog.Error(err))
			}
		}
		if buf != nil {
			buf.Close()
		}
		if ctx.Err() != nil {
			final = Stopped
		}
		p.setState(final)
		close(done)
	}()

	var (
		bo        backoff.BackOff
		reconnect bool // true while no frame arrived since the last failure
	)

	for {
		if ctx.Err() != nil {
			return
		}

		f, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, source.ErrEndOfStream) {
				p.logger.Info("Source exhausted")
				return
			}

			p.logger.Warn("Read failed, reconnecting", camlog.Error(err))
			p.setState(Reconnecting)
			p.stats.reconnects.Add(1)
			if cerr := src.Close(); cerr != nil {
				p.logger.Debug("Closing failed source", camlog.Error(cerr))
			}
			src = nil

			if !reconnect {
				bo = p.cfg.Reconnect.newBackOff()
				reconnect = true
			} else if !p.wait(ctx, bo) {
				return
			}

			if src, err = p.reacquire(ctx, bo); err != nil {
				if ctx.Err() == nil {
					p.logger.Error("Reconnect gave up", camlog.Error(err))
				}
				return
			}
			p.setState(Streaming)
			p.logger.Info("Reconnected")
			continue
		}

		reconnect = false
		p.stats.captured.Add(1)
		if err := p.process(ctx, f, buf); err != nil {
			if errors.Is(err, ErrStopLive) {
				p.logger.Info("Display requested stop")
				final = Stopped
			}
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false when the budget
// is exhausted or ctx ends.
func (p *Pipeline) wait(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		p.logger.Error("Reconnect attempts exhausted")
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pipeline) reacquire(ctx context.Context, bo backoff.BackOff) (source.Source, error) {
	for attempt := 1; ; attempt++ {
		src, err := p.open(ctx)
		if err == nil {
			return src, nil
		}
		p.stats.reconnectFailures.Add(1)
		p.logger.Warn("Reconnect attempt failed", camlog.Int("attempt", attempt), camlog.Error(err))
		if !p.wait(ctx, bo) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

// process runs detection, persistence and display for one frame. It only
// returns an error when the loop must end.
func (p *Pipeline) process(ctx context.Context, f *frame.Frame, buf *buffer.FrameBuffer) error {
	res, err := p.deps.Detector.Infer(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.stats.detectFailures.Add(1)
		p.logger.Warn("Detection failed, skipping frame", camlog.String("frame", f.ID), camlog.Error(err))
		return nil
	}
	annotated := res.Annotated
	if annotated == nil || annotated == f {
		annotated = detector.Annotate(f, res.Detections)
	}

	path, err := p.deps.Sink.Write(ctx, annotated, p.cfg.CameraID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.stats.writeFailures.Add(1)
		p.logger.Warn("Persist failed", camlog.String("frame", f.ID), camlog.Error(err))
	} else {
		p.stats.persisted.Add(1)
		p.record(ctx, SourceLive, annotated, res.Detections, path)
	}

	if buf != nil {
		admitted, err := buf.Publish(ctx, annotated)
		if err != nil {
			return err
		}
		if admitted {
			p.stats.published.Add(1)
		} else {
			p.stats.dropped.Add(1)
		}
		return nil
	}

	if p.cfg.Display != nil {
		if err := p.cfg.Display(ctx, annotated, res.Detections); err != nil {
			if errors.Is(err, ErrStopLive) || ctx.Err() != nil {
				return err
			}
			p.logger.Warn("Display failed", camlog.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, src string, f *frame.Frame, dets []frame.Detection, path string) {
	if p.deps.Recorder == nil {
		return
	}
	if err := p.deps.Recorder.Record(ctx, p.cfg.CameraID, src, f, dets, path); err != nil {
		p.logger.Warn("Recording capture failed", camlog.String("path", path), camlog.Error(err))
	}
}

// CaptureSingle reads, detects and persists exactly one frame. It never
// touches the display buffer and fails with ErrSourceBusy while the live loop
// owns the source.
func (p *Pipeline) CaptureSingle(ctx context.Context) (SingleResult, error) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.runningLocked() {
		return SingleResult{}, &StateError{Op: "capture", CameraID: p.cfg.CameraID, State: p.State(), Err: ErrSourceBusy}
	}
	p.reapLocked()
	if err := p.connectLocked(ctx); err != nil {
		return SingleResult{}, err
	}

	f, err := p.idle.Read(ctx)
	if err != nil {
		// the handle is no longer trustworthy; the next capture reopens it
		if cerr := p.idle.Close(); cerr != nil {
			p.logger.Debug("Closing failed source", camlog.Error(cerr))
		}
		p.idle = nil
		p.setState(Disconnected)
		return SingleResult{}, err
	}
	p.stats.captured.Add(1)

	res, err := p.deps.Detector.Infer(ctx, f)
	if err != nil {
		p.stats.detectFailures.Add(1)
		var de *detector.DetectError
		if !errors.As(err, &de) {
			err = &detector.DetectError{FrameID: f.ID, Err: err}
		}
		return SingleResult{}, err
	}
	annotated := res.Annotated
	if annotated == nil || annotated == f {
		annotated = detector.Annotate(f, res.Detections)
	}

	path, err := p.deps.SingleSink.Write(ctx, annotated, p.cfg.CameraID)
	if err != nil {
		p.stats.writeFailures.Add(1)
		var we *sink.WriteError
		if !errors.As(err, &we) {
			err = &sink.WriteError{Op: "write", CameraID: p.cfg.CameraID, Err: err}
		}
		return SingleResult{}, err
	}
	p.stats.persisted.Add(1)
	p.record(ctx, SourceSingle, annotated, res.Detections, path)

	p.logger.Info("Single capture",
		camlog.String("path", path),
		camlog.Int("detections", len(res.Detections)))

	return SingleResult{Frame: f, Annotated: annotated, Detections: res.Detections, Path: path}, nil
}

// Consume returns the next display frame in Decoupled mode. It returns
// source.ErrEndOfStream once the live loop has ended and the buffer drained.
func (p *Pipeline) Consume(ctx context.Context) (*frame.Frame, error) {
	if p.cfg.Mode != Decoupled {
		return nil, &StateError{Op: "consume", CameraID: p.cfg.CameraID, State: p.State(), Err: ErrNotDecoupled}
	}
	buf := p.buf.Load()
	if buf == nil {
		return nil, source.ErrEndOfStream
	}
	f, err := buf.Consume(ctx)
	if errors.Is(err, buffer.ErrClosed) {
		return nil, source.ErrEndOfStream
	}
	return f, err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		FramesCaptured:    p.stats.captured.Load(),
		FramesPersisted:   p.stats.persisted.Load(),
		FramesPublished:   p.stats.published.Load(),
		FramesDropped:     p.stats.dropped.Load(),
		DetectFailures:    p.stats.detectFailures.Load(),
		WriteFailures:     p.stats.writeFailures.Load(),
		Reconnects:        p.stats.reconnects.Load(),
		ReconnectFailures: p.stats.reconnectFailures.Load(),
	}
	if buf := p.buf.Load(); buf != nil {
		bs := buf.Stats()
		s.Buffer = &bs
	}
	return s
}
