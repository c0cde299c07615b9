package config

import "time"

// Config holds all application configuration
type Config struct {
	Service  ServiceConfig  `yaml:"service" json:"service"`
	Cameras  []string       `yaml:"cameras" json:"cameras"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Detector DetectorConfig `yaml:"detector" json:"detector"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Catalog  CatalogConfig  `yaml:"catalog" json:"catalog"`
	API      APIConfig      `yaml:"api" json:"api"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PipelineConfig controls the live capture loop
type PipelineConfig struct {
	Mode           string          `yaml:"mode" json:"mode"` // inline, decoupled
	BufferCapacity int             `yaml:"buffer_capacity" json:"buffer_capacity"`
	BufferPolicy   string          `yaml:"buffer_policy" json:"buffer_policy"` // drop-oldest, drop-newest, block
	Reconnect      ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Display        bool            `yaml:"display" json:"display"` // open an OpenCV window per camera

	// Capture constraints for media: handles
	MediaWidth  int     `yaml:"media_width" json:"media_width"`
	MediaHeight int     `yaml:"media_height" json:"media_height"`
	MediaFPS    float64 `yaml:"media_fps" json:"media_fps"`
}

// ReconnectConfig bounds the exponential backoff used after a read failure
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"` // 0 = retry forever
}

// DetectorConfig selects and tunes the detection stage
type DetectorConfig struct {
	Kind     string         `yaml:"kind" json:"kind"` // roboflow, motion, none
	Roboflow RoboflowConfig `yaml:"roboflow" json:"roboflow"`
	Motion   MotionConfig   `yaml:"motion" json:"motion"`
}

type RoboflowConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	APIKey     string        `yaml:"api_key" json:"-"`
	Project    string        `yaml:"project" json:"project"`
	Version    string        `yaml:"version" json:"version"`
	Confidence int           `yaml:"confidence" json:"confidence"` // percent
	Overlap    int           `yaml:"overlap" json:"overlap"`       // percent
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

type MotionConfig struct {
	MinimumArea  int     `yaml:"minimum_area" json:"minimum_area"`
	BlurSize     int     `yaml:"blur_size" json:"blur_size"`
	Threshold    float32 `yaml:"threshold" json:"threshold"`
	DilationSize int     `yaml:"dilation_size" json:"dilation_size"`
}

// StorageConfig contains output locations and sink selection
type StorageConfig struct {
	ImageDir string `yaml:"image_dir" json:"image_dir"` // single captures and scans
	VideoDir string `yaml:"video_dir" json:"video_dir"` // appended video
	LiveDir  string `yaml:"live_dir" json:"live_dir"`   // live stills

	// LiveSinks lists where live frames go: disk, video, minio.
	LiveSinks   []string    `yaml:"live_sinks" json:"live_sinks"`
	JPEGQuality int         `yaml:"jpeg_quality" json:"jpeg_quality"`
	MinFreeMB   uint64      `yaml:"min_free_mb" json:"min_free_mb"`
	Video       VideoConfig `yaml:"video" json:"video"`
	MinIO       MinIOConfig `yaml:"minio" json:"minio"`
}

type VideoConfig struct {
	Codec string  `yaml:"codec" json:"codec"`
	FPS   float64 `yaml:"fps" json:"fps"`
}

type MinIOConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"-"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
}

// CatalogConfig configures the capture catalog database
type CatalogConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Driver          string        `yaml:"driver" json:"driver"` // sqlite, postgres
	DSN             string        `yaml:"dsn" json:"-"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// APIConfig contains HTTP control surface settings
type APIConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	ListenAddr     string   `yaml:"listen_addr" json:"listen_addr"`
	RatePerSecond  float64  `yaml:"rate_per_second" json:"rate_per_second"`
	Burst          int      `yaml:"burst" json:"burst"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type LogConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Format      string   `yaml:"format" json:"format"` // json, console
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "detectcam",
			ShutdownTimeout: 15 * time.Second,
		},
		Cameras: []string{"0"},
		Pipeline: PipelineConfig{
			Mode:           "decoupled",
			BufferCapacity: 8,
			BufferPolicy:   "drop-oldest",
			Reconnect: ReconnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
				MaxAttempts:     10,
			},
			MediaWidth:  640,
			MediaHeight: 480,
			MediaFPS:    15,
		},
		Detector: DetectorConfig{
			Kind: "roboflow",
			Roboflow: RoboflowConfig{
				Endpoint:   "https://detect.roboflow.com",
				Confidence: 40,
				Overlap:    30,
				Timeout:    15 * time.Second,
			},
			Motion: MotionConfig{
				MinimumArea:  3000,
				BlurSize:     21,
				Threshold:    25,
				DilationSize: 3,
			},
		},
		Storage: StorageConfig{
			ImageDir:    "output/img",
			VideoDir:    "output/mov",
			LiveDir:     "output/live",
			LiveSinks:   []string{"disk"},
			JPEGQuality: 90,
			MinFreeMB:   100,
			Video: VideoConfig{
				Codec: "XVID",
				FPS:   20,
			},
			MinIO: MinIOConfig{
				Bucket:         "detectcam",
				Prefix:         "live",
				MaxUploads:     4,
				ConnectTimeout: 30 * time.Second,
				MaxRetries:     3,
			},
		},
		Catalog: CatalogConfig{
			Enabled:         true,
			Driver:          "sqlite",
			DSN:             "output/catalog.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			Enabled:       false,
			ListenAddr:    "localhost:7000",
			RatePerSecond: 2,
			Burst:         5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
