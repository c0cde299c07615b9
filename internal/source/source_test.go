package source

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikeyg42/detectcam/internal/frame"
)

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "shot.JPG")
	vid := filepath.Join(dir, "clip.avi")
	txt := filepath.Join(dir, "notes.txt")
	for _, p := range []string{img, vid, txt} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	tests := []struct {
		name    string
		id      string
		want    Kind
		wantErr bool
	}{
		{"device index", "0", KindDevice, false},
		{"rtsp url", "rtsp://10.0.0.2/stream", KindStream, false},
		{"directory", dir, KindDirectory, false},
		{"image upper-case ext", img, KindImage, false},
		{"video", vid, KindVideo, false},
		{"unsupported", txt, 0, true},
		{"missing", filepath.Join(dir, "nope.png"), 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Classify(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("Classify(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestListMediaSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "c.mp4", "readme.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := ListMedia(dir)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	want := []string{"a.jpg", "b.png", "c.mp4"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if filepath.Base(got[i]) != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}
}

type sliceSource struct {
	n      int
	closed int
}

func (s *sliceSource) Read(ctx context.Context) (*frame.Frame, error) {
	if s.n == 0 {
		return nil, ErrEndOfStream
	}
	s.n--
	return frame.New("item", 1, image.NewRGBA(image.Rect(0, 0, 2, 2))), nil
}

func (s *sliceSource) Close() error { s.closed++; return nil }

func TestChainReadsItemsInOrder(t *testing.T) {
	opened := map[string]*sliceSource{}
	var skipped []string
	open := func(ctx context.Context, item string) (Source, error) {
		if item == "bad" {
			return nil, errors.New("corrupt")
		}
		s := &sliceSource{n: 2}
		opened[item] = s
		return s, nil
	}
	c := NewChain("dir", []string{"one", "bad", "two"}, open, func(item string, err error) {
		skipped = append(skipped, item)
	})

	ctx := context.Background()
	var seqs []uint64
	for {
		f, err := c.Read(ctx)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if f.CameraID != "dir" {
			t.Fatalf("camera id = %q", f.CameraID)
		}
		seqs = append(seqs, f.Sequence)
	}

	if len(seqs) != 4 || seqs[0] != 1 || seqs[3] != 4 {
		t.Fatalf("sequences = %v, want 1..4", seqs)
	}
	if len(skipped) != 1 || skipped[0] != "bad" {
		t.Fatalf("skipped = %v", skipped)
	}
	for item, s := range opened {
		if s.closed != 1 {
			t.Fatalf("%s closed %d times", item, s.closed)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestErrorTypes(t *testing.T) {
	base := errors.New("device busy")
	err := error(&ConnectError{ID: "0", Err: base})
	if !IsConnectError(err) || IsReadError(err) {
		t.Fatalf("connect error misclassified")
	}
	if !errors.Is(err, base) {
		t.Fatalf("ConnectError does not unwrap")
	}
	rerr := error(&ReadError{ID: "0", Err: base})
	if !IsReadError(rerr) {
		t.Fatalf("read error misclassified")
	}
}

func TestRouterPrefersLongestPrefix(t *testing.T) {
	var got []string
	mk := func(name string) Opener {
		return OpenerFunc(func(ctx context.Context, id string) (Source, error) {
			got = append(got, name)
			return &sliceSource{}, nil
		})
	}
	r := &Router{}
	r.Handle("media:", mk("media"))
	r.Handle("media:usb:", mk("usb"))

	ctx := context.Background()
	r.Open(ctx, "media:default")
	r.Open(ctx, "media:usb:1")
	if _, err := r.Open(ctx, "0"); !IsConnectError(err) {
		t.Fatalf("Open without default = %v, want ConnectError", err)
	}
	r.Default = mk("cv")
	r.Open(ctx, "0")

	want := []string{"media", "usb", "cv"}
	if len(got) != len(want) {
		t.Fatalf("routed to %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("routed to %v, want %v", got, want)
		}
	}
}
