package sink

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// MinIOConfig contains object-store settings.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string // key prefix, e.g. "live"

	MaxUploads     int
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	JPEGQuality    int
}

// objectPutter is the slice of *minio.Client the sink uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOMetrics tracks uploads.
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// MinIOSink uploads JPEG frames to <bucket>/<prefix>/<camera>/<name>.jpg.
type MinIOSink struct {
	client     objectPutter
	config     MinIOConfig
	uploadPool chan struct{}
	seq        atomic.Uint64
	logger     camlog.Logger

	metrics MinIOMetrics
}

func (c *MinIOConfig) applyDefaults() {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
}

// NewMinIOSink connects to the object store and ensures the bucket exists.
func NewMinIOSink(ctx context.Context, config MinIOConfig, logger camlog.Logger) (*MinIOSink, error) {
	config.applyDefaults()
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("minio sink: endpoint and bucket are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := newMinIOSink(client, config, logger)

	cctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	exists, err := client.BucketExists(cctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(cctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("Created MinIO bucket", camlog.String("bucket", config.Bucket))
	}
	return s, nil
}

func newMinIOSink(client objectPutter, config MinIOConfig, logger camlog.Logger) *MinIOSink {
	config.applyDefaults()
	if logger == nil {
		logger = camlog.L()
	}
	s := &MinIOSink{
		client:     client,
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
		logger:     logger.Named("sink.minio"),
	}
	for i := 0; i < config.MaxUploads; i++ {
		s.uploadPool <- struct{}{}
	}
	return s
}

func (s *MinIOSink) key(cameraID string, ts time.Time) string {
	return path.Join(s.config.Prefix, SafeName(cameraID), FileName("", ts, s.seq.Add(1), "jpg"))
}

// Write uploads f and returns "s3://bucket/key".
func (s *MinIOSink) Write(ctx context.Context, f *frame.Frame, cameraID string) (string, error) {
	if f == nil || f.Image == nil {
		return "", &WriteError{Op: "put", CameraID: cameraID, Err: fmt.Errorf("empty frame")}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: s.config.JPEGQuality}); err != nil {
		return "", &WriteError{Op: "encode", CameraID: cameraID, Err: err}
	}
	data := buf.Bytes()

	ts := f.Timestamp
	if ts.IsZero() {
		ts = timeNow()
	}
	key := s.key(cameraID, ts)
	location := fmt.Sprintf("s3://%s/%s", s.config.Bucket, key)

	// Acquire upload slot
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return "", &WriteError{Op: "put", CameraID: cameraID, Path: location, Err: ctx.Err()}
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType: "image/jpeg",
		UserMetadata: map[string]string{
			"camera-id": cameraID,
			"frame-id":  f.ID,
			"sequence":  fmt.Sprintf("%d", f.Sequence),
		},
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = s.config.RetryBackoff
	ebo.Reset()
	var bo backoff.BackOff = ebo
	if s.config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}

	op := func() error {
		info, err := s.client.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			camlog.String("key", key),
			camlog.Int64("size", info.Size),
			camlog.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", &WriteError{Op: "put", CameraID: cameraID, Path: location, Err: err}
	}
	return location, nil
}

// Metrics returns a snapshot of the upload counters.
func (s *MinIOSink) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}
