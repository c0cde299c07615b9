// Package sink persists processed frames and reports where they went.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// Sink durably writes one annotated frame for a camera and returns its
// storage path.
type Sink interface {
	Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error)
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, f *frame.Frame, cameraID string) (string, error)

func (fn Func) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	return fn(ctx, f, cameraID)
}

// WriteError reports a failed persistence attempt.
type WriteError struct {
	Op       string
	CameraID string
	Path     string
	Err      error
}

func (e *WriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sink %s %s (%s): %v", e.Op, e.Path, e.CameraID, e.Err)
	}
	return fmt.Sprintf("sink %s (%s): %v", e.Op, e.CameraID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrInsufficientSpace is wrapped by WriteError when the free-space guard trips.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Closer is implemented by sinks that hold open handles (video writers,
// upload pools).
type Closer interface {
	Close() error
}

// SafeName turns a camera handle (device index, URL, path) into a single path
// segment.
func SafeName(cameraID string) string {
	var b strings.Builder
	for _, r := range cameraID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "._")
	if s == "" {
		return "camera"
	}
	return s
}

// FileName builds "<prefix>_YYYYMMDD_HHMMSS_<seq>.<ext>". The sequence keeps
// names unique when several frames land in the same second.
func FileName(prefix string, t time.Time, seq uint64, ext string) string {
	name := fmt.Sprintf("%s_%06d.%s", t.Format("20060102_150405"), seq, strings.TrimPrefix(ext, "."))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// Tee writes to every sink in order. The returned path is the first
// successful one; failures from any sink are joined.
type Tee []Sink

func (t Tee) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	var (
		first string
		errs  []error
	)
	for _, s := range t {
		p, err := s.Write(ctx, f, cameraID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = p
		}
	}
	if len(errs) > 0 {
		return first, &WriteError{Op: "tee", CameraID: cameraID, Path: first, Err: errors.Join(errs...)}
	}
	return first, nil
}

// Close closes every member that implements Closer.
func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
