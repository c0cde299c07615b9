// Package buffer holds the bounded FIFO that decouples the capture worker from
// display consumers.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 8

// ErrClosed is returned by Consume once the buffer is closed and drained, and
// by Publish after Close.
var ErrClosed = errors.New("buffer: closed")

// Policy selects what Publish does when the buffer is full.
type Policy int

const (
	// DropOldest evicts the oldest pending frame to admit the new one.
	DropOldest Policy = iota
	// DropNewest discards the frame being published.
	DropNewest
	// Block waits for room, or for ctx to end.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by String. Empty means DropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest":
		return DropOldest, nil
	case "drop-newest", "drop_newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return 0, fmt.Errorf("buffer: unknown overflow policy %q", s)
}

// Stats are cumulative counters.
type Stats struct {
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// FrameBuffer is a bounded FIFO of frames. It never duplicates or reorders
// frames and never holds more than its capacity.
type FrameBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	frames   []*frame.Frame // ring storage
	head     int            // index of oldest pending frame
	count    int
	capacity int
	policy   Policy
	closed   bool

	published atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a buffer with the given capacity and overflow policy.
func New(capacity int, policy Policy) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &FrameBuffer{
		frames:   make([]*frame.Frame, capacity),
		capacity: capacity,
		policy:   policy,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Publish adds f according to the overflow policy. It reports whether f was
// admitted. Only the Block policy can wait, and it returns ctx.Err() if ctx
// ends first.
func (b *FrameBuffer) Publish(ctx context.Context, f *frame.Frame) (bool, error) {
	if f == nil {
		return false, fmt.Errorf("buffer: cannot publish nil frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	if b.count == b.capacity {
		switch b.policy {
		case DropNewest:
			b.dropped.Add(1)
			return false, nil
		case Block:
			if err := b.waitLocked(ctx, b.notFull, func() bool { return b.count < b.capacity || b.closed }); err != nil {
				return false, err
			}
			if b.closed {
				return false, ErrClosed
			}
		default:
			b.frames[b.head] = nil
			b.head = (b.head + 1) % b.capacity
			b.count--
			b.dropped.Add(1)
		}
	}

	b.frames[(b.head+b.count)%b.capacity] = f
	b.count++
	b.published.Add(1)
	b.notEmpty.Signal()
	return true, nil
}

// Consume removes and returns the oldest pending frame, blocking until one is
// available. It returns ErrClosed once the buffer is closed and empty.
func (b *FrameBuffer) Consume(ctx context.Context) (*frame.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitLocked(ctx, b.notEmpty, func() bool { return b.count > 0 || b.closed }); err != nil {
		return nil, err
	}
	if b.count == 0 {
		return nil, ErrClosed
	}

	f := b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.consumed.Add(1)
	b.notFull.Signal()
	return f, nil
}

// TryConsume is the non-blocking form of Consume. ok is false when nothing is
// pending.
func (b *FrameBuffer) TryConsume() (f *frame.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil, false
	}
	f = b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.consumed.Add(1)
	b.notFull.Signal()
	return f, true
}

// waitLocked waits on cond until ready returns true or ctx is done. b.mu must
// be held.
func (b *FrameBuffer) waitLocked(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cond.Broadcast()
	})
	defer stop()

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cond.Wait()
	}
	return nil
}

// Close marks the end of the stream. Pending frames remain consumable.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (b *FrameBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of pending frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity.
func (b *FrameBuffer) Cap() int { return b.capacity }

// Policy returns the overflow policy.
func (b *FrameBuffer) Policy() Policy { return b.policy }

// Snapshot returns the pending frames, oldest first, without consuming them.
func (b *FrameBuffer) Snapshot() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*frame.Frame, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.frames[(b.head+i)%b.capacity]
	}
	return out
}

// Stats returns the buffer counters.
func (b *FrameBuffer) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Consumed:  b.consumed.Load(),
		Dropped:   b.dropped.Load(),
		Pending:   b.Len(),
	}
}

// Metrics returns the counters in the map form used by the status endpoint.
func (b *FrameBuffer) Metrics() map[string]interface{} {
	s := b.Stats()
	return map[string]interface{}{
		"capacity":  b.capacity,
		"policy":    b.policy.String(),
		"pending":   s.Pending,
		"published": s.Published,
		"consumed":  s.Consumed,
		"dropped":   s.Dropped,
	}
}
