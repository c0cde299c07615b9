package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Cameras) == 0 {
		errs = append(errs, errors.New("cameras: at least one camera handle is required"))
	}

	switch strings.ToLower(c.Pipeline.Mode) {
	case "", "inline", "single", "sequential", "decoupled", "threaded", "multithreaded":
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode: unknown mode %q", c.Pipeline.Mode))
	}
	if c.Pipeline.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_capacity must be >= 0, got %d", c.Pipeline.BufferCapacity))
	}
	switch strings.ToLower(c.Pipeline.BufferPolicy) {
	case "", "drop-oldest", "drop-newest", "block":
	default:
		errs = append(errs, fmt.Errorf("pipeline.buffer_policy: unknown policy %q", c.Pipeline.BufferPolicy))
	}
	rc := c.Pipeline.Reconnect
	if rc.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.reconnect.max_attempts must be >= 0, got %d", rc.MaxAttempts))
	}
	if rc.InitialInterval <= 0 || rc.MaxInterval < rc.InitialInterval {
		errs = append(errs, fmt.Errorf("pipeline.reconnect: need 0 < initial_interval <= max_interval, got %s/%s", rc.InitialInterval, rc.MaxInterval))
	}
	if rc.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("pipeline.reconnect.multiplier must be >= 1, got %g", rc.Multiplier))
	}

	switch c.Detector.Kind {
	case "roboflow":
		rf := c.Detector.Roboflow
		if rf.APIKey == "" || rf.Project == "" || rf.Version == "" {
			errs = append(errs, errors.New("detector.roboflow: api_key, project and version are required (ROBOFLOW_API_KEY, ROBOFLOW_PROJECT, ROBOFLOW_MODEL)"))
		}
		if rf.Confidence < 0 || rf.Confidence > 100 || rf.Overlap < 0 || rf.Overlap > 100 {
			errs = append(errs, errors.New("detector.roboflow: confidence and overlap are percentages"))
		}
	case "motion":
		if c.Detector.Motion.BlurSize%2 == 0 {
			errs = append(errs, fmt.Errorf("detector.motion.blur_size must be odd, got %d", c.Detector.Motion.BlurSize))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("detector.kind: unknown detector %q", c.Detector.Kind))
	}

	st := c.Storage
	if st.ImageDir == "" || st.LiveDir == "" || st.VideoDir == "" {
		errs = append(errs, errors.New("storage: image_dir, video_dir and live_dir are required"))
	}
	if st.JPEGQuality < 1 || st.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("storage.jpeg_quality must be within 1-100, got %d", st.JPEGQuality))
	}
	for _, s := range st.LiveSinks {
		switch s {
		case "disk", "video":
		case "minio":
			if st.MinIO.Endpoint == "" || st.MinIO.Bucket == "" {
				errs = append(errs, errors.New("storage.minio: endpoint and bucket are required for the minio sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.live_sinks: unknown sink %q", s))
		}
	}
	if len(st.LiveSinks) == 0 {
		c.Storage.LiveSinks = []string{"disk"}
	}

	if c.Catalog.Enabled {
		switch c.Catalog.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("catalog.driver: unsupported driver %q", c.Catalog.Driver))
		}
		if c.Catalog.DSN == "" {
			errs = append(errs, errors.New("catalog.dsn is required when the catalog is enabled"))
		}
	}

	if c.API.Enabled {
		if c.API.ListenAddr == "" {
			errs = append(errs, errors.New("api.listen_addr is required"))
		}
		if c.API.RatePerSecond <= 0 || c.API.Burst < 1 {
			errs = append(errs, errors.New("api: rate_per_second and burst must be positive"))
		}
	}

	return errors.Join(errs...)
}

// EnsureDirs creates the output directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Storage.ImageDir, c.Storage.VideoDir, c.Storage.LiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	return nil
}
