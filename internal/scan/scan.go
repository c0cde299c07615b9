// Package scan runs detection over recorded media and over periodic single
// captures from a live camera.
package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/catalog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/sink"
	"github.com/mikeyg42/detectcam/internal/source"
)

// ErrNotFileInput is returned when a manual scan is pointed at a live device
// or stream.
var ErrNotFileInput = errors.New("scan: input is not an image, video or directory")

// Item is one scanned frame.
type Item struct {
	FrameID    string            `json:"frame_id"`
	Sequence   uint64            `json:"sequence"`
	Detections []frame.Detection `json:"detections"`
	Path       string            `json:"path,omitempty"`
	Err        string            `json:"error,omitempty"`
}

// Report summarises a scan.
type Report struct {
	ID       string        `json:"id"`
	Input    string        `json:"input"`
	CameraID string        `json:"camera_id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Items    []Item        `json:"items"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Detections flattens the detections of every item in scan order.
func (r *Report) Detections() []frame.Detection {
	var out []frame.Detection
	for _, it := range r.Items {
		out = append(out, it.Detections...)
	}
	return out
}

// Paths lists the persisted output paths in scan order.
func (r *Report) Paths() []string {
	var out []string
	for _, it := range r.Items {
		if it.Path != "" {
			out = append(out, it.Path)
		}
	}
	return out
}

func newReport(input, cameraID string) *Report {
	return &Report{ID: uuid.NewString(), Input: input, CameraID: cameraID, Started: time.Now()}
}

func (r *Report) finish() {
	r.Finished = time.Now()
	r.Duration = r.Finished.Sub(r.Started)
}

// Deps are the collaborators of a Scanner. Recorder is optional.
type Deps struct {
	Opener   source.Opener
	Detector detector.Detector
	Sink     sink.Sink
	Recorder capture.Recorder
	Logger   camlog.Logger
}

// Scanner runs manual scans over file inputs.
type Scanner struct {
	deps   Deps
	logger camlog.Logger
}

// New validates deps and returns a Scanner.
func New(deps Deps) (*Scanner, error) {
	if deps.Opener == nil || deps.Detector == nil || deps.Sink == nil {
		return nil, errors.New("scan: opener, detector and sink are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = camlog.L()
	}
	return &Scanner{deps: deps, logger: logger.Named("scan")}, nil
}

// CameraIDFor derives the output name for a file input.
func CameraIDFor(input string) string {
	base := filepath.Base(filepath.Clean(input))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Scan detects over every frame of input and persists each annotated frame.
// Frames that fail detection are counted and skipped; a write failure ends
// the scan. The partial report is returned alongside any error.
func (s *Scanner) Scan(ctx context.Context, input string) (*Report, error) {
	kind, err := source.Classify(input)
	if err != nil {
		return nil, err
	}
	if kind == source.KindDevice || kind == source.KindStream {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFileInput, input, kind)
	}

	cameraID := CameraIDFor(input)
	report := newReport(input, cameraID)
	log := s.logger.With(camlog.String("scan_id", report.ID), camlog.String("input", input))
	log.Info("Starting scan", camlog.String("kind", kind.String()))
	defer report.finish()

	src, err := s.deps.Opener.Open(ctx, input)
	if err != nil {
		return report, err
	}
	defer src.Close()

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		f, err := src.Read(ctx)
		if errors.Is(err, source.ErrEndOfStream) {
			break
		}
		if err != nil {
			return report, err
		}

		res, err := s.deps.Detector.Infer(ctx, f)
		if err != nil {
			report.Failed++
			report.Items = append(report.Items, Item{FrameID: f.ID, Sequence: f.Sequence, Err: err.Error()})
			log.Warn("Detection failed, skipping frame", camlog.Uint64("seq", f.Sequence), camlog.Error(err))
			continue
		}
		out := res.Annotated
		if out == nil {
			out = f
		}
		path, err := s.deps.Sink.Write(ctx, out, cameraID)
		if err != nil {
			return report, err
		}
		report.Items = append(report.Items, Item{FrameID: f.ID, Sequence: f.Sequence, Detections: res.Detections, Path: path})

		if s.deps.Recorder != nil {
			if err := s.deps.Recorder.Record(ctx, cameraID, catalog.SourceScan, f, res.Detections, path); err != nil {
				log.Warn("Failed to record capture", camlog.String("path", path), camlog.Error(err))
			}
		}
	}

	log.Info("Scan complete",
		camlog.Int("frames", len(report.Items)),
		camlog.Int("detections", len(report.Detections())),
		camlog.Int("failed", report.Failed))
	return report, nil
}
