package cv

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// MotionConfig tunes the background-subtraction detector.
type MotionConfig struct {
	MinimumArea  int
	BlurSize     int
	Threshold    float32
	DilationSize int
}

// DefaultMotionConfig returns settings that work for indoor webcams.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{MinimumArea: 3000, BlurSize: 21, Threshold: 25, DilationSize: 3}
}

// MotionStats summarises detector activity.
type MotionStats struct {
	FramesProcessed   int64
	MotionEvents      int64
	LastMotionTime    time.Time
	MaxMotionArea     float64
	ProcessingTime    time.Duration
	LastProcessedTime time.Time
}

// MotionDetector reports moving regions as "motion" detections. It keeps a
// background model, so each camera needs its own instance.
type MotionDetector struct {
	config MotionConfig
	logger camlog.Logger

	mu    sync.Mutex
	mog2  *gocv.BackgroundSubtractorMOG2
	stats MotionStats
}

// NewMotionDetector builds a detector; zero config fields take defaults.
func NewMotionDetector(config MotionConfig, logger camlog.Logger) *MotionDetector {
	def := DefaultMotionConfig()
	if config.MinimumArea <= 0 {
		config.MinimumArea = def.MinimumArea
	}
	if config.BlurSize <= 0 || config.BlurSize%2 == 0 {
		config.BlurSize = def.BlurSize
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.DilationSize <= 0 {
		config.DilationSize = def.DilationSize
	}
	if logger == nil {
		logger = camlog.L()
	}
	mog2 := gocv.NewBackgroundSubtractorMOG2()
	return &MotionDetector{config: config, logger: logger.Named("detector.motion"), mog2: &mog2}
}

// Infer updates the background model with f and returns one detection per
// moving region larger than MinimumArea.
func (d *MotionDetector) Infer(ctx context.Context, f *frame.Frame) (detector.Result, error) {
	if err := ctx.Err(); err != nil {
		return detector.Result{}, err
	}
	if f == nil || f.Image == nil {
		return detector.Result{}, &detector.DetectError{Err: fmt.Errorf("empty frame")}
	}

	mat, err := ToMat(f.Image)
	if err != nil {
		return detector.Result{}, &detector.DetectError{FrameID: f.ID, Err: err}
	}
	defer mat.Close()

	dets, err := d.detect(mat)
	if err != nil {
		return detector.Result{}, &detector.DetectError{FrameID: f.ID, Err: err}
	}
	return detector.Result{Detections: dets, Annotated: detector.Annotate(f, dets)}, nil
}

func (d *MotionDetector) detect(src gocv.Mat) ([]frame.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mog2 == nil {
		return nil, fmt.Errorf("motion detector closed")
	}
	start := time.Now()
	defer func() {
		d.stats.ProcessingTime = time.Since(start)
		d.stats.LastProcessedTime = time.Now()
	}()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: d.config.BlurSize, Y: d.config.BlurSize}, 0, 0, gocv.BorderDefault)

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	d.mog2.Apply(blurred, &fgMask)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(fgMask, &thresh, d.config.Threshold, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: d.config.DilationSize, Y: d.config.DilationSize})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresh, &dilated, kernel)

	contours := gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	frameArea := float64(src.Rows() * src.Cols())
	var dets []frame.Detection
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < float64(d.config.MinimumArea) {
			continue
		}
		r := gocv.BoundingRect(c)
		dets = append(dets, frame.Detection{
			Label:      "motion",
			Confidence: motionConfidence(area, float64(d.config.MinimumArea), frameArea),
			Box:        frame.BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()},
		})
		if area > d.stats.MaxMotionArea {
			d.stats.MaxMotionArea = area
		}
	}

	d.stats.FramesProcessed++
	if len(dets) > 0 {
		d.stats.MotionEvents++
		d.stats.LastMotionTime = time.Now()
	}
	return dets, nil
}

// motionConfidence grows logarithmically from 0.5 at the minimum area to 1 at
// the full frame.
func motionConfidence(area, minArea, frameArea float64) float64 {
	if frameArea <= minArea || area <= minArea {
		return 0.5
	}
	c := 0.5 + 0.5*math.Log(area/minArea)/math.Log(frameArea/minArea)
	return math.Min(c, 1)
}

// Stats returns a copy of the activity counters.
func (d *MotionDetector) Stats() MotionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases the background model.
func (d *MotionDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mog2 != nil {
		d.mog2.Close()
		d.mog2 = nil
	}
	return nil
}
