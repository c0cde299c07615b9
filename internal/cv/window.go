package cv

import (
	"context"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// Display shows annotated frames in one OpenCV window per camera. Pressing
// 'q' in a window ends that camera's live stream.
type Display struct {
	title  string
	logger camlog.Logger

	mu      sync.Mutex
	windows map[string]*gocv.Window
}

func NewDisplay(title string, logger camlog.Logger) *Display {
	if logger == nil {
		logger = camlog.L()
	}
	return &Display{title: title, logger: logger.Named("cv.display"), windows: make(map[string]*gocv.Window)}
}

func (d *Display) window(cameraID string) *gocv.Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[cameraID]; ok {
		return w
	}
	w := gocv.NewWindow(d.title + " - " + cameraID)
	d.windows[cameraID] = w
	return w
}

// Show satisfies capture.DisplayFunc.
func (d *Display) Show(ctx context.Context, f *frame.Frame, dets []frame.Detection) error {
	mat, err := ToMat(f.Image)
	if err != nil {
		return err
	}
	defer mat.Close()

	w := d.window(f.CameraID)
	w.IMShow(mat)
	if key := w.WaitKey(1); key == 'q' || key == 'Q' {
		d.logger.Info("Quit key pressed", camlog.String("camera", f.CameraID))
		return capture.ErrStopLive
	}
	return nil
}

// Consume drains a decoupled pipeline's display frames until the stream ends
// or ctx is cancelled, stopping the stream when 'q' is pressed.
func (d *Display) Consume(ctx context.Context, m *capture.Manager, cameraID string) error {
	for {
		f, err := m.ConsumeDisplayFrame(ctx, cameraID)
		if err != nil {
			return err
		}
		if err := d.Show(ctx, f, nil); err == capture.ErrStopLive {
			return m.StopLive(ctx, cameraID)
		} else if err != nil {
			d.logger.Warn("Display failed", camlog.Error(err))
		}
	}
}

// Close destroys every window.
func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.windows {
		w.Close()
		delete(d.windows, id)
	}
	return nil
}
