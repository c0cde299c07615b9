package cv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/sink"
)

// VideoConfig configures a VideoSink.
type VideoConfig struct {
	BaseDir string
	Prefix  string
	Codec   string // FourCC, e.g. "XVID" or "MJPG"
	FPS     float64
	Ext     string
}

// VideoSink appends frames to one video file per camera under
// <BaseDir>/<camera>/. A new file is started when the frame size changes.
type VideoSink struct {
	cfg    VideoConfig
	logger camlog.Logger

	mu      sync.Mutex
	writers map[string]*cameraWriter
	seq     uint64
}

type cameraWriter struct {
	vw     *gocv.VideoWriter
	path   string
	width  int
	height int
	frames int
}

// NewVideoSink creates the base directory and returns an empty sink.
func NewVideoSink(cfg VideoConfig, logger camlog.Logger) (*VideoSink, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("video sink: base directory is required")
	}
	if cfg.Codec == "" {
		cfg.Codec = "XVID"
	}
	if len(cfg.Codec) != 4 {
		return nil, fmt.Errorf("video sink: codec %q is not a FourCC", cfg.Codec)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	if cfg.Ext == "" {
		cfg.Ext = "avi"
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("video sink: create %s: %w", cfg.BaseDir, err)
	}
	if logger == nil {
		logger = camlog.L()
	}
	return &VideoSink{
		cfg:     cfg,
		logger:  logger.Named("sink.video"),
		writers: make(map[string]*cameraWriter),
	}, nil
}

// Write appends f to the camera's current video and returns the file path.
func (s *VideoSink) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &sink.WriteError{Op: "append", CameraID: cameraID, Err: err}
	}
	if f == nil || f.Image == nil {
		return "", &sink.WriteError{Op: "append", CameraID: cameraID, Err: fmt.Errorf("empty frame")}
	}

	mat, err := ToMat(f.Image)
	if err != nil {
		return "", &sink.WriteError{Op: "encode", CameraID: cameraID, Err: err}
	}
	defer mat.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writerLocked(cameraID, f, mat.Cols(), mat.Rows())
	if err != nil {
		return "", err
	}
	if err := w.vw.Write(mat); err != nil {
		return "", &sink.WriteError{Op: "append", CameraID: cameraID, Path: w.path, Err: err}
	}
	w.frames++
	return w.path, nil
}

func (s *VideoSink) writerLocked(cameraID string, f *frame.Frame, width, height int) (*cameraWriter, error) {
	if w, ok := s.writers[cameraID]; ok {
		if w.width == width && w.height == height {
			return w, nil
		}
		s.closeWriter(cameraID, w)
	}

	dir := filepath.Join(s.cfg.BaseDir, sink.SafeName(cameraID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &sink.WriteError{Op: "mkdir", CameraID: cameraID, Path: dir, Err: err}
	}
	s.seq++
	path := filepath.Join(dir, sink.FileName(s.cfg.Prefix, f.Timestamp, s.seq, s.cfg.Ext))

	vw, err := gocv.VideoWriterFile(path, s.cfg.Codec, s.cfg.FPS, width, height, true)
	if err != nil {
		return nil, &sink.WriteError{Op: "open", CameraID: cameraID, Path: path, Err: err}
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, &sink.WriteError{Op: "open", CameraID: cameraID, Path: path, Err: fmt.Errorf("codec %s unavailable", s.cfg.Codec)}
	}
	w := &cameraWriter{vw: vw, path: path, width: width, height: height}
	s.writers[cameraID] = w
	s.logger.Info("Video file opened", camlog.String("camera", cameraID), camlog.String("path", path))
	return w, nil
}

func (s *VideoSink) closeWriter(cameraID string, w *cameraWriter) error {
	delete(s.writers, cameraID)
	err := w.vw.Close()
	s.logger.Info("Video file closed",
		camlog.String("camera", cameraID),
		camlog.String("path", w.path),
		camlog.Int("frames", w.frames))
	return err
}

// Rotate finalises the camera's current file; the next Write starts a new one.
func (s *VideoSink) Rotate(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[cameraID]; ok {
		return s.closeWriter(cameraID, w)
	}
	return nil
}

// Close finalises every open file.
func (s *VideoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, w := range s.writers {
		if err := s.closeWriter(id, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
