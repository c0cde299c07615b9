package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrSelfJoin is returned when the live worker tries to stop and join itself.
	ErrSelfJoin = errors.New("cannot stop live stream from its own worker")
	// ErrSourceBusy is returned when a single capture is requested while the
	// live loop owns the source.
	ErrSourceBusy = errors.New("source is owned by the live stream")
	// ErrNotDecoupled is returned by display consumers of an inline pipeline.
	ErrNotDecoupled = errors.New("pipeline is not in decoupled mode")
	// ErrNotConnected is returned for operations on an unknown camera.
	ErrNotConnected = errors.New("camera is not connected")
	// ErrStopLive may be returned by an inline display function to end the
	// live loop, leaving the stream Stopped.
	ErrStopLive = errors.New("live stream stop requested by display")
)

// StateError reports an operation rejected because of the stream's state.
type StateError struct {
	Op       string
	CameraID string
	State    StreamState
	Err      error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s (state %s): %v", e.Op, e.CameraID, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
