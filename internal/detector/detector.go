// Package detector defines the detection stage of the capture pipeline and the
// hosted-inference client used by default.
package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// Result is the output of one inference call. Annotated is always a frame
// distinct from the input so the raw capture is never drawn on.
type Result struct {
	Detections []frame.Detection
	Annotated  *frame.Frame
}

// Detector maps a frame to detections plus an annotated copy.
type Detector interface {
	Infer(ctx context.Context, f *frame.Frame) (Result, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, f *frame.Frame) (Result, error)

func (fn Func) Infer(ctx context.Context, f *frame.Frame) (Result, error) { return fn(ctx, f) }

// DetectError wraps an inference failure for one frame.
type DetectError struct {
	FrameID string
	Err     error
}

func (e *DetectError) Error() string {
	return fmt.Sprintf("detect frame %s: %v", e.FrameID, e.Err)
}

func (e *DetectError) Unwrap() error { return e.Err }

// Serialize wraps d so that at most one Infer call runs at a time. Use it for
// clients that keep per-call state.
func Serialize(d Detector) Detector {
	if _, ok := d.(*serialized); ok {
		return d
	}
	return &serialized{inner: d}
}

type serialized struct {
	mu    sync.Mutex
	inner Detector
}

func (s *serialized) Infer(ctx context.Context, f *frame.Frame) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Infer(ctx, f)
}

// Passthrough returns no detections and an unmodified copy of the frame.
type Passthrough struct{}

func (Passthrough) Infer(_ context.Context, f *frame.Frame) (Result, error) {
	if f == nil {
		return Result{}, &DetectError{Err: fmt.Errorf("nil frame")}
	}
	return Result{Annotated: f.Clone()}, nil
}
