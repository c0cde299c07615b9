package cv

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

// VideoSource reads frames from a camera device, stream URL or video file.
type VideoSource struct {
	id     string
	kind   source.Kind
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	seq    uint64
	once   sync.Once
	closed bool
}

func openVideo(id string, kind source.Kind) (*VideoSource, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if kind == source.KindDevice {
		idx, _ := strconv.Atoi(id)
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.VideoCaptureFile(id)
	}
	if err != nil {
		return nil, &source.ConnectError{ID: id, Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("capture did not open")}
	}
	return &VideoSource{id: id, kind: kind, cap: vc, mat: gocv.NewMat()}, nil
}

// Read grabs and decodes the next frame. Video files end with
// source.ErrEndOfStream; devices and streams report *source.ReadError.
func (s *VideoSource) Read(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, &source.ReadError{ID: s.id, Err: fmt.Errorf("source closed")}
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		if s.kind == source.KindVideo {
			return nil, source.ErrEndOfStream
		}
		return nil, &source.ReadError{ID: s.id, Err: fmt.Errorf("no frame from %s", s.kind)}
	}
	s.seq++
	f, err := FromMat(s.mat, s.id, s.seq)
	if err != nil {
		return nil, &source.ReadError{ID: s.id, Err: err}
	}
	return f, nil
}

// Close releases the capture device.
func (s *VideoSource) Close() error {
	var err error
	s.once.Do(func() {
		s.closed = true
		s.mat.Close()
		err = s.cap.Close()
	})
	return err
}

// ImageSource yields a single still image then ErrEndOfStream.
type ImageSource struct {
	id   string
	path string
	done bool
}

func (s *ImageSource) Read(ctx context.Context) (*frame.Frame, error) {
	if s.done {
		return nil, source.ErrEndOfStream
	}
	s.done = true
	mat := gocv.IMRead(s.path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, &source.ReadError{ID: s.id, Err: fmt.Errorf("cannot decode %s", s.path)}
	}
	return FromMat(mat, s.id, 1)
}

func (s *ImageSource) Close() error { return nil }

// Opener opens any handle understood by source.Classify.
type Opener struct {
	Logger camlog.Logger
}

// NewOpener returns an opener that logs skipped directory entries.
func NewOpener(logger camlog.Logger) *Opener {
	if logger == nil {
		logger = camlog.L()
	}
	return &Opener{Logger: logger.Named("cv.opener")}
}

func (o *Opener) Open(ctx context.Context, id string) (source.Source, error) {
	kind, err := source.Classify(id)
	if err != nil {
		return nil, &source.ConnectError{ID: id, Err: err}
	}
	return o.openKind(ctx, id, id, kind)
}

func (o *Opener) openKind(ctx context.Context, id, path string, kind source.Kind) (source.Source, error) {
	switch kind {
	case source.KindImage:
		return &ImageSource{id: id, path: path}, nil
	case source.KindDevice, source.KindStream, source.KindVideo:
		vs, err := openVideo(path, kind)
		if err != nil {
			return nil, err
		}
		vs.id = id
		return vs, nil
	case source.KindDirectory:
		items, err := source.ListMedia(path)
		if err != nil {
			return nil, &source.ConnectError{ID: id, Err: err}
		}
		if len(items) == 0 {
			return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("no images or videos in %s", path)}
		}
		open := func(ctx context.Context, item string) (source.Source, error) {
			k := source.KindImage
			if source.IsVideoPath(item) {
				k = source.KindVideo
			}
			return o.openKind(ctx, id, item, k)
		}
		skip := func(item string, err error) {
			o.Logger.Warn("Skipping unreadable file", camlog.String("path", item), camlog.Error(err))
		}
		return source.NewChain(id, items, open, skip), nil
	default:
		return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("unsupported source kind %s", kind)}
	}
}
