package scan

import (
	"context"
	"errors"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// Capturer takes one annotated capture from a camera.
type Capturer interface {
	CaptureOne(ctx context.Context, handle string) ([]frame.Detection, string, error)
}

// AutoConfig controls a periodic scan.
type AutoConfig struct {
	Camera   string
	Interval time.Duration
	Count    int
}

// Auto captures from cfg.Camera every cfg.Interval until cfg.Count captures
// have been attempted. The first capture happens immediately. Failed captures
// are counted and do not stop the run.
func Auto(ctx context.Context, c Capturer, cfg AutoConfig, logger camlog.Logger) (*Report, error) {
	if cfg.Camera == "" || cfg.Count <= 0 {
		return nil, errors.New("scan: auto scan needs a camera and a positive count")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = camlog.L()
	}
	report := newReport(cfg.Camera, cfg.Camera)
	log := logger.Named("scan.auto").With(camlog.String("scan_id", report.ID), camlog.String("camera", cfg.Camera))
	defer report.finish()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for i := 0; i < cfg.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-ticker.C:
			}
		}
		dets, path, err := c.CaptureOne(ctx, cfg.Camera)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			report.Items = append(report.Items, Item{Sequence: uint64(i + 1), Err: err.Error()})
			log.Warn("Auto capture failed", camlog.Int("n", i+1), camlog.Error(err))
			continue
		}
		report.Items = append(report.Items, Item{Sequence: uint64(i + 1), Detections: dets, Path: path})
		log.Debug("Auto capture stored", camlog.Int("n", i+1), camlog.Int("detections", len(dets)), camlog.String("path", path))
	}

	log.Info("Auto scan complete", camlog.Int("captures", len(report.Items)-report.Failed), camlog.Int("failed", report.Failed))
	return report, nil
}
