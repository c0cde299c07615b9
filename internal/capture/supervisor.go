package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// Supervisor owns the pipeline for one camera handle. Its mutex serializes
// connect, disconnect, start-live, stop-live and single captures so exactly
// one caller drives the source at a time.
type Supervisor struct {
	mu       sync.Mutex
	cfg      Config
	deps     Deps
	pipeline atomic.Pointer[Pipeline]
	logger   camlog.Logger
	retired  bool // set by Disconnect; guarded by mu
}

// NewSupervisor binds a supervisor to cfg.CameraID. No source is opened yet.
func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	p, err := NewPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = camlog.L()
	}
	s := &Supervisor{cfg: cfg, deps: deps, logger: logger.Named("capture.supervisor")}
	s.pipeline.Store(p)
	return s, nil
}

// Handle returns the camera handle currently bound.
func (s *Supervisor) Handle() string { return s.pipeline.Load().CameraID() }

// Mode returns the display mode.
func (s *Supervisor) Mode() Mode { return s.cfg.Mode }

// Connect binds handle (rebinding when it differs from the current one) and
// verifies the source by opening it.
func (s *Supervisor) Connect(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRetiredLocked("connect"); err != nil {
		return err
	}

	p := s.pipeline.Load()
	if handle != "" && handle != p.CameraID() {
		if err := p.Close(ctx); err != nil {
			s.logger.Warn("Closing previous source failed", camlog.String("camera", p.CameraID()), camlog.Error(err))
		}
		cfg := s.cfg
		cfg.CameraID = handle
		np, err := NewPipeline(cfg, s.deps)
		if err != nil {
			return err
		}
		s.cfg = cfg
		s.pipeline.Store(np)
		p = np
	}
	return p.Connect(ctx)
}

// Disconnect stops any live loop, releases the source and retires the
// supervisor: later Connect, StartLive and ReadOneFrame calls fail with
// ErrNotConnected.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	p := s.pipeline.Load()
	if p.isWorker(ctx) {
		return &StateError{Op: "disconnect", CameraID: p.CameraID(), State: p.State(), Err: ErrSelfJoin}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	return s.pipeline.Load().Close(ctx)
}

func (s *Supervisor) checkRetiredLocked(op string) error {
	if !s.retired {
		return nil
	}
	p := s.pipeline.Load()
	return &StateError{Op: op, CameraID: p.CameraID(), State: p.State(), Err: ErrNotConnected}
}

// Status returns the stream state without taking the supervisor lock.
func (s *Supervisor) Status() StreamState { return s.pipeline.Load().State() }

// StartLive starts the live loop, connecting first when needed.
func (s *Supervisor) StartLive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRetiredLocked("start"); err != nil {
		return err
	}
	p := s.pipeline.Load()
	if err := p.Connect(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// StopLive stops the live loop and joins its worker. Calling it from the
// worker (for example inside an inline display function) returns ErrSelfJoin.
func (s *Supervisor) StopLive(ctx context.Context) error {
	p := s.pipeline.Load()
	if p.isWorker(ctx) {
		return &StateError{Op: "stop", CameraID: p.CameraID(), State: p.State(), Err: ErrSelfJoin}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline.Load().Stop(ctx)
}

// ReadOneFrame performs a single capture. It fails with ErrSourceBusy while
// the live loop is running.
func (s *Supervisor) ReadOneFrame(ctx context.Context) (SingleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRetiredLocked("capture"); err != nil {
		return SingleResult{}, err
	}
	return s.pipeline.Load().CaptureSingle(ctx)
}

// ConsumeDisplayFrame blocks for the next annotated frame in Decoupled mode.
// It does not take the supervisor lock so a waiting consumer never blocks
// control operations.
func (s *Supervisor) ConsumeDisplayFrame(ctx context.Context) (*frame.Frame, error) {
	return s.pipeline.Load().Consume(ctx)
}

// Stats returns the pipeline counters.
func (s *Supervisor) Stats() Stats { return s.pipeline.Load().Stats() }

func (s *Supervisor) String() string {
	return fmt.Sprintf("supervisor(%s, %s, %s)", s.Handle(), s.cfg.Mode, s.Status())
}
