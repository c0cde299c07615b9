package capture

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// StreamState is the lifecycle state of one camera stream.
type StreamState int32

const (
	// Disconnected: no source is bound.
	Disconnected StreamState = iota
	// Connecting: a source is being acquired.
	Connecting
	// Streaming: the live loop owns an open source.
	Streaming
	// Reconnecting: the live loop lost its source and is re-acquiring it.
	Reconnecting
	// Stopped: the handle is bound and was verified, but no live loop runs.
	Stopped
)

func (s StreamState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

func (s StreamState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Live reports whether a live loop is active in this state.
func (s StreamState) Live() bool { return s == Streaming || s == Reconnecting }

type stateCell struct{ v atomic.Int32 }

func (c *stateCell) load() StreamState   { return StreamState(c.v.Load()) }
func (c *stateCell) store(s StreamState) { c.v.Store(int32(s)) }

// Mode selects how the live loop hands frames to the display path.
type Mode int

const (
	// Inline runs capture, detection, persistence and display in sequence on
	// the worker goroutine.
	Inline Mode = iota
	// Decoupled publishes frames to a bounded buffer drained by a separate
	// consumer.
	Decoupled
)

func (m Mode) String() string {
	switch m {
	case Inline:
		return "inline"
	case Decoupled:
		return "decoupled"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMode accepts "inline" or "decoupled". Empty means Decoupled.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inline", "single", "sequential":
		return Inline, nil
	case "", "decoupled", "threaded", "multithreaded":
		return Decoupled, nil
	}
	return 0, fmt.Errorf("capture: unknown mode %q", s)
}
