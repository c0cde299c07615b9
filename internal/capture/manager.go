package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/sink"
	"github.com/mikeyg42/detectcam/internal/source"
)

// DetectorFactory builds the detector for one camera pipeline.
type DetectorFactory func(cameraID string) (detector.Detector, error)

// ManagerConfig wires the collaborators shared by every camera.
type ManagerConfig struct {
	// Template is copied for every camera; CameraID is filled per handle.
	Template    Config
	Opener      source.Opener
	NewDetector DetectorFactory
	LiveSink    sink.Sink
	SingleSink  sink.Sink
	Recorder    Recorder
	Logger      camlog.Logger
}

// CameraStatus describes one managed camera.
type CameraStatus struct {
	ID    string      `json:"id"`
	State StreamState `json:"state"`
	Mode  Mode        `json:"mode"`
	Stats Stats       `json:"stats"`
}

// Manager maps camera handles to supervisors, creating them on demand.
type Manager struct {
	cfg    ManagerConfig
	logger camlog.Logger

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewManager validates cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Opener == nil || cfg.NewDetector == nil || cfg.LiveSink == nil {
		return nil, fmt.Errorf("capture: manager needs an opener, a detector factory and a sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = camlog.L()
	}
	return &Manager{
		cfg:         cfg,
		logger:      cfg.Logger.Named("capture.manager"),
		supervisors: make(map[string]*Supervisor),
	}, nil
}

func (m *Manager) supervisor(handle string, create bool) (*Supervisor, error) {
	if handle == "" {
		return nil, fmt.Errorf("capture: empty camera handle")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.supervisors[handle]; ok {
		return s, nil
	}
	if !create {
		return nil, &StateError{Op: "lookup", CameraID: handle, State: Disconnected, Err: ErrNotConnected}
	}

	det, err := m.cfg.NewDetector(handle)
	if err != nil {
		return nil, fmt.Errorf("capture: detector for %s: %w", handle, err)
	}
	cfg := m.cfg.Template
	cfg.CameraID = handle
	s, err := NewSupervisor(cfg, Deps{
		Opener:     m.cfg.Opener,
		Detector:   det,
		Sink:       m.cfg.LiveSink,
		SingleSink: m.cfg.SingleSink,
		Recorder:   m.cfg.Recorder,
		Logger:     m.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.supervisors[handle] = s
	m.logger.Debug("Supervisor created", camlog.String("camera", handle))
	return s, nil
}

// Connect opens the camera and keeps it idle.
func (m *Manager) Connect(ctx context.Context, handle string) error {
	s, err := m.supervisor(handle, true)
	if err != nil {
		return err
	}
	return s.Connect(ctx, handle)
}

// Disconnect forgets the camera, then stops it. The supervisor leaves the map
// first so a concurrent StartLive either builds a fresh one or finds this one
// retired; it can never start a worker nothing can reach.
func (m *Manager) Disconnect(ctx context.Context, handle string) error {
	s, err := m.supervisor(handle, false)
	if err != nil {
		return err
	}
	if p := s.pipeline.Load(); p.isWorker(ctx) {
		return &StateError{Op: "disconnect", CameraID: handle, State: p.State(), Err: ErrSelfJoin}
	}
	m.mu.Lock()
	if m.supervisors[handle] == s {
		delete(m.supervisors, handle)
	}
	m.mu.Unlock()
	return s.Disconnect(ctx)
}

// StartLive begins the live loop for handle.
func (m *Manager) StartLive(ctx context.Context, handle string) error {
	s, err := m.supervisor(handle, true)
	if err != nil {
		return err
	}
	return s.StartLive(ctx)
}

// StopLive ends the live loop for handle.
func (m *Manager) StopLive(ctx context.Context, handle string) error {
	s, err := m.supervisor(handle, false)
	if err != nil {
		return err
	}
	return s.StopLive(ctx)
}

// Status returns the stream state; unknown handles are Disconnected.
func (m *Manager) Status(handle string) StreamState {
	s, err := m.supervisor(handle, false)
	if err != nil {
		return Disconnected
	}
	return s.Status()
}

// CaptureOne runs a single capture and returns its detections and storage path.
func (m *Manager) CaptureOne(ctx context.Context, handle string) ([]frame.Detection, string, error) {
	s, err := m.supervisor(handle, true)
	if err != nil {
		return nil, "", err
	}
	res, err := s.ReadOneFrame(ctx)
	if err != nil {
		return nil, "", err
	}
	return res.Detections, res.Path, nil
}

// ConsumeDisplayFrame returns the next display frame for handle, or
// source.ErrEndOfStream once its live loop has ended.
func (m *Manager) ConsumeDisplayFrame(ctx context.Context, handle string) (*frame.Frame, error) {
	s, err := m.supervisor(handle, false)
	if err != nil {
		return nil, err
	}
	return s.ConsumeDisplayFrame(ctx)
}

// Cameras lists every managed camera, sorted by handle.
func (m *Manager) Cameras() []CameraStatus {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	out := make([]CameraStatus, 0, len(sups))
	for _, s := range sups {
		out = append(out, CameraStatus{ID: s.Handle(), State: s.Status(), Mode: s.Mode(), Stats: s.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown disconnects every camera.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sups := m.supervisors
	m.supervisors = make(map[string]*Supervisor)
	m.mu.Unlock()

	var errs []error
	for handle, s := range sups {
		if err := s.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", handle, err))
		}
	}
	m.logger.Info("Capture manager shut down", camlog.Int("cameras", len(sups)))
	return errors.Join(errs...)
}
