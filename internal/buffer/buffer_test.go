package buffer

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/detectcam/internal/frame"
)

func mkFrames(n int) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = frame.New("cam", uint64(i+1), image.NewGray(image.Rect(0, 0, 1, 1)))
	}
	return out
}

func sequences(fs []*frame.Frame) []uint64 {
	out := make([]uint64, len(fs))
	for i, f := range fs {
		out[i] = f.Sequence
	}
	return out
}

func equalSeq(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOverflowPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		want    []uint64
		dropped uint64
	}{
		{"drop oldest keeps most recent", DropOldest, []uint64{4, 5}, 3},
		{"drop newest keeps first", DropNewest, []uint64{1, 2}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(2, tt.policy)
			ctx := context.Background()
			for _, f := range mkFrames(5) {
				if _, err := b.Publish(ctx, f); err != nil {
					t.Fatalf("Publish: %v", err)
				}
				if b.Len() > b.Cap() {
					t.Fatalf("len %d exceeds capacity %d", b.Len(), b.Cap())
				}
			}
			if got := sequences(b.Snapshot()); !equalSeq(got, tt.want) {
				t.Fatalf("snapshot = %v, want %v", got, tt.want)
			}
			if s := b.Stats(); s.Dropped != tt.dropped {
				t.Fatalf("dropped = %d, want %d", s.Dropped, tt.dropped)
			}
		})
	}
}

func TestConsumeIsFIFO(t *testing.T) {
	b := New(4, DropOldest)
	ctx := context.Background()
	for _, f := range mkFrames(3) {
		b.Publish(ctx, f)
	}
	for want := uint64(1); want <= 3; want++ {
		f, err := b.Consume(ctx)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if f.Sequence != want {
			t.Fatalf("got seq %d, want %d", f.Sequence, want)
		}
	}
	if _, ok := b.TryConsume(); ok {
		t.Fatalf("TryConsume on empty buffer returned a frame")
	}
}

func TestCloseDrainsThenSignalsEnd(t *testing.T) {
	b := New(2, DropOldest)
	ctx := context.Background()
	b.Publish(ctx, mkFrames(1)[0])
	b.Close()

	if _, err := b.Publish(ctx, mkFrames(1)[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Consume(ctx); err != nil {
		t.Fatalf("pending frame lost after Close: %v", err)
	}
	if _, err := b.Consume(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Consume on drained buffer = %v, want ErrClosed", err)
	}
}

func TestConsumeWakesOnPublishAndClose(t *testing.T) {
	b := New(1, DropOldest)
	ctx := context.Background()

	got := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := b.Consume(ctx)
			got <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Publish(ctx, mkFrames(1)[0])
	time.Sleep(20 * time.Millisecond)
	b.Close()
	wg.Wait()
	close(got)

	var ok, closed int
	for err := range got {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrClosed):
			closed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || closed != 1 {
		t.Fatalf("ok=%d closed=%d, want 1 and 1", ok, closed)
	}
}

func TestConsumeHonoursContext(t *testing.T) {
	b := New(1, DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Consume = %v, want deadline exceeded", err)
	}
}

func TestBlockPolicyWaitsForRoom(t *testing.T) {
	b := New(1, Block)
	ctx := context.Background()
	fs := mkFrames(2)
	b.Publish(ctx, fs[0])

	done := make(chan error, 1)
	go func() {
		_, err := b.Publish(ctx, fs[1])
		done <- err
	}()

	select {
	case <-done:
		t.Fatalf("Publish returned while buffer was full")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := b.Consume(ctx); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Publish did not resume after Consume")
	}
	if got := sequences(b.Snapshot()); !equalSeq(got, []uint64{2}) {
		t.Fatalf("snapshot = %v", got)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b.Publish(tctx, mkFrames(1)[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked Publish = %v, want deadline exceeded", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop-newest", DropNewest, false},
		{"BLOCK", Block, false},
		{"lifo", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultCapacity(t *testing.T) {
	if got := New(0, DropOldest).Cap(); got != DefaultCapacity {
		t.Fatalf("Cap = %d, want %d", got, DefaultCapacity)
	}
}
