package sink

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

var timeNow = time.Now

// DiskConfig configures a DiskSink.
type DiskConfig struct {
	BaseDir      string
	Prefix       string
	JPEGQuality  int
	MinFreeBytes uint64 // 0 disables the free-space guard
}

// DiskSink writes JPEG stills to <BaseDir>/<camera>/.
type DiskSink struct {
	cfg    DiskConfig
	seq    atomic.Uint64
	logger camlog.Logger

	freeSpace func(path string) (uint64, error)
}

func NewDiskSink(cfg DiskConfig, logger camlog.Logger) (*DiskSink, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("disk sink: base directory is required")
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk sink: create %s: %w", cfg.BaseDir, err)
	}
	if logger == nil {
		logger = camlog.L()
	}
	return &DiskSink{
		cfg:       cfg,
		logger:    logger.Named("sink.disk"),
		freeSpace: FreeBytes,
	}, nil
}

// Dir returns the directory frames for cameraID are written to.
func (s *DiskSink) Dir(cameraID string) string {
	return filepath.Join(s.cfg.BaseDir, SafeName(cameraID))
}

func (s *DiskSink) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &WriteError{Op: "write", CameraID: cameraID, Err: err}
	}
	if f == nil || f.Image == nil {
		return "", &WriteError{Op: "write", CameraID: cameraID, Err: fmt.Errorf("empty frame")}
	}

	dir := s.Dir(cameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &WriteError{Op: "mkdir", CameraID: cameraID, Path: dir, Err: err}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
		return "", &WriteError{Op: "encode", CameraID: cameraID, Err: err}
	}

	if s.cfg.MinFreeBytes > 0 {
		free, err := s.freeSpace(dir)
		if err != nil {
			s.logger.Warn("Free space check failed", camlog.String("dir", dir), camlog.Error(err))
		} else if free < s.cfg.MinFreeBytes+uint64(buf.Len()) {
			return "", &WriteError{Op: "write", CameraID: cameraID, Path: dir,
				Err: fmt.Errorf("%w: %d bytes free, need %d", ErrInsufficientSpace, free, s.cfg.MinFreeBytes)}
		}
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = timeNow()
	}
	path := filepath.Join(dir, FileName(s.cfg.Prefix, ts, s.seq.Add(1), "jpg"))

	// write-then-rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", &WriteError{Op: "write", CameraID: cameraID, Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", &WriteError{Op: "rename", CameraID: cameraID, Path: path, Err: err}
	}

	s.logger.Debug("Frame written",
		camlog.String("camera", cameraID),
		camlog.String("path", path),
		camlog.Int("bytes", buf.Len()))
	return path, nil
}
