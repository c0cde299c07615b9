// Package source defines the FrameSource contract consumed by the capture
// pipeline, its error taxonomy, and helpers shared by concrete adapters.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// ErrEndOfStream is returned by Read once a finite source is exhausted.
var ErrEndOfStream = errors.New("source: end of stream")

var errNoRoute = errors.New("no opener for handle")

// Source reads frames from one underlying device or file handle.
// A Source is owned by exactly one goroutine at a time.
type Source interface {
	// Read blocks until the next frame is decoded. Failures are reported as
	// *ReadError (transient) or ErrEndOfStream.
	Read(ctx context.Context) (*frame.Frame, error)
	// Close releases the handle. Close must be safe to call more than once.
	Close() error
}

// Opener acquires a Source for an identifier (device index, URL or path).
// Open must not retry; it either succeeds or fails fast.
type Opener interface {
	Open(ctx context.Context, id string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, id string) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, id string) (Source, error) { return f(ctx, id) }

// ConnectError reports that a source could not be acquired (absent, busy,
// permission denied). It is fatal to the call that triggered it.
type ConnectError struct {
	ID  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("source %s: connect: %v", e.ID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError reports a transient mid-stream failure; the pipeline reconnects.
type ReadError struct {
	ID  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("source %s: read: %v", e.ID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsConnectError reports whether err wraps a *ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsReadError reports whether err wraps a *ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
