package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides secrets and output directories from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ROBOFLOW_API_KEY":        &cfg.Detector.Roboflow.APIKey,
		"ROBOFLOW_PROJECT":        &cfg.Detector.Roboflow.Project,
		"ROBOFLOW_MODEL":          &cfg.Detector.Roboflow.Version,
		"ROBOFLOW_ENDPOINT":       &cfg.Detector.Roboflow.Endpoint,
		"OUT_IMG_DIR":             &cfg.Storage.ImageDir,
		"OUT_MOV_DIR":             &cfg.Storage.VideoDir,
		"OUT_LIVE_DIR":            &cfg.Storage.LiveDir,
		"MINIO_ENDPOINT":          &cfg.Storage.MinIO.Endpoint,
		"MINIO_ACCESS_KEY_ID":     &cfg.Storage.MinIO.AccessKeyID,
		"MINIO_SECRET_ACCESS_KEY": &cfg.Storage.MinIO.SecretAccessKey,
		"MINIO_BUCKET":            &cfg.Storage.MinIO.Bucket,
		"CATALOG_DRIVER":          &cfg.Catalog.Driver,
		"CATALOG_DSN":             &cfg.Catalog.DSN,
		"LOG_LEVEL":               &cfg.Log.Level,
		"API_LISTEN_ADDR":         &cfg.API.ListenAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("CAMERAS"); ok && v != "" {
		var cams []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cams = append(cams, c)
			}
		}
		cfg.Cameras = cams
	}
	if v, ok := lookup("RECONNECT_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		cfg.Pipeline.Reconnect.MaxAttempts = n
	}
	return nil
}
