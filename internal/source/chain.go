package source

import (
	"context"
	"errors"
	"sync"

	"github.com/mikeyg42/detectcam/internal/frame"
)

// Chain is a finite Source that reads each item in order through open,
// moving to the next item when the current one reaches ErrEndOfStream.
// Items that fail to open are skipped and reported through onSkip.
type Chain struct {
	id     string
	items  []string
	open   func(ctx context.Context, item string) (Source, error)
	onSkip func(item string, err error)

	mu      sync.Mutex
	next    int
	current Source
	seq     uint64
	closed  bool
}

// NewChain builds a chained source identified by id.
func NewChain(id string, items []string, open func(ctx context.Context, item string) (Source, error), onSkip func(string, error)) *Chain {
	if onSkip == nil {
		onSkip = func(string, error) {}
	}
	return &Chain{id: id, items: items, open: open, onSkip: onSkip}
}

// Read returns the next frame across all items, renumbering sequences so the
// chain looks like one stream.
func (c *Chain) Read(ctx context.Context) (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, ErrEndOfStream
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.current == nil {
			if c.next >= len(c.items) {
				return nil, ErrEndOfStream
			}
			item := c.items[c.next]
			c.next++
			src, err := c.open(ctx, item)
			if err != nil {
				c.onSkip(item, err)
				continue
			}
			c.current = src
		}

		f, err := c.current.Read(ctx)
		if errors.Is(err, ErrEndOfStream) {
			_ = c.current.Close()
			c.current = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		c.seq++
		f.Sequence = c.seq
		f.CameraID = c.id
		return f, nil
	}
}

// Close releases the item currently open.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}
