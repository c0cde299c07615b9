// Package framestream opens cameras through pion/mediadevices, the
// browser-style capture stack, as pipeline frame sources.
package framestream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the platform camera driver
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

// Scheme prefixes handles served by this package, e.g. "media:default".
const Scheme = "media:"

// Device is one video input.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Enumerate lists the video inputs the driver can see.
func Enumerate() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			out = append(out, Device{ID: d.DeviceID, Label: d.Label})
		}
	}
	return out
}

// Opener acquires cameras by device id or label. "default" (or an empty
// name) selects the first video input.
type Opener struct {
	Width  int
	Height int
	FPS    float64
	Logger camlog.Logger

	enumerate func() []Device
}

func NewOpener(width, height int, fps float64, logger camlog.Logger) *Opener {
	if logger == nil {
		logger = camlog.L()
	}
	return &Opener{Width: width, Height: height, FPS: fps, Logger: logger.Named("framestream"), enumerate: Enumerate}
}

func (o *Opener) resolve(name string) (Device, error) {
	devices := o.enumerate()
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("no video inputs found")
	}
	if name == "" || name == "default" {
		return devices[0], nil
	}
	for _, d := range devices {
		if d.ID == name || d.Label == name {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("video input %q not found", name)
}

// Open starts the camera named by id (with or without the media: prefix).
func (o *Opener) Open(ctx context.Context, id string) (source.Source, error) {
	dev, err := o.resolve(strings.TrimPrefix(id, Scheme))
	if err != nil {
		return nil, &source.ConnectError{ID: id, Err: err}
	}

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(dev.ID)
			if o.Width > 0 && o.Height > 0 {
				c.Width = prop.Int(o.Width)
				c.Height = prop.Int(o.Height)
			}
			if o.FPS > 0 {
				c.FrameRate = prop.Float(o.FPS)
			}
		},
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("get user media: %w", err)}
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("no video tracks")}
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range tracks {
			t.Close()
		}
		return nil, &source.ConnectError{ID: id, Err: fmt.Errorf("track is not a video track: %T", tracks[0])}
	}

	o.Logger.Info("Camera opened", camlog.String("id", id), camlog.String("device", dev.Label))
	return &Source{id: id, stream: stream, reader: vt.NewReader(false)}, nil
}

// Source reads raw frames from a mediadevices video track.
type Source struct {
	id     string
	stream mediadevices.MediaStream
	reader video.Reader
	seq    atomic.Uint64
	once   sync.Once
	closed atomic.Bool
}

// Read blocks for the next frame. The driver buffer is released right after
// the pixels are copied.
func (s *Source) Read(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, &source.ReadError{ID: s.id, Err: fmt.Errorf("source closed")}
	}
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, &source.ReadError{ID: s.id, Err: err}
	}
	if release != nil {
		defer release()
	}
	if img == nil {
		return nil, &source.ReadError{ID: s.id, Err: fmt.Errorf("empty frame")}
	}
	return frame.New(s.id, s.seq.Add(1), frame.CloneImage(img)), nil
}

// Close stops every track of the stream.
func (s *Source) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		for _, t := range s.stream.GetTracks() {
			t.Close()
		}
	})
	return nil
}
