package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

const DefaultRoboflowEndpoint = "https://detect.roboflow.com"

// RoboflowConfig configures the hosted inference client. Confidence and
// Overlap are percentages as the hosted API expects them.
type RoboflowConfig struct {
	Endpoint    string
	APIKey      string
	Project     string
	Version     string
	Confidence  int
	Overlap     int
	JPEGQuality int
	Timeout     time.Duration
}

// RoboflowDetector calls a hosted object-detection model over HTTP.
type RoboflowDetector struct {
	cfg    RoboflowConfig
	client *http.Client
	logger camlog.Logger
}

type roboflowPrediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type roboflowResponse struct {
	Predictions []roboflowPrediction `json:"predictions"`
}

// NewRoboflowDetector validates cfg and fills defaults.
func NewRoboflowDetector(cfg RoboflowConfig, logger camlog.Logger) (*RoboflowDetector, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("roboflow: api key is required")
	}
	if cfg.Project == "" || cfg.Version == "" {
		return nil, fmt.Errorf("roboflow: project and model version are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRoboflowEndpoint
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 40
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 30
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = camlog.L()
	}
	return &RoboflowDetector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("detector.roboflow"),
	}, nil
}

func (d *RoboflowDetector) requestURL() string {
	q := url.Values{}
	q.Set("api_key", d.cfg.APIKey)
	q.Set("confidence", strconv.Itoa(d.cfg.Confidence))
	q.Set("overlap", strconv.Itoa(d.cfg.Overlap))
	q.Set("format", "json")
	return fmt.Sprintf("%s/%s/%s?%s",
		strings.TrimRight(d.cfg.Endpoint, "/"),
		url.PathEscape(d.cfg.Project),
		url.PathEscape(d.cfg.Version),
		q.Encode())
}

// Infer uploads f as a base64 JPEG and converts the centre-based predictions
// to top-left boxes.
func (d *RoboflowDetector) Infer(ctx context.Context, f *frame.Frame) (Result, error) {
	if f == nil || f.Image == nil {
		return Result{}, &DetectError{Err: fmt.Errorf("empty frame")}
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, f.Image, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return Result{}, &DetectError{FrameID: f.ID, Err: fmt.Errorf("encode jpeg: %w", err)}
	}
	body := base64.StdEncoding.EncodeToString(jpg.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.requestURL(), strings.NewReader(body))
	if err != nil {
		return Result{}, &DetectError{FrameID: f.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, &DetectError{FrameID: f.ID, Err: fmt.Errorf("request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &DetectError{FrameID: f.ID, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	var out roboflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &DetectError{FrameID: f.ID, Err: fmt.Errorf("decode response: %w", err)}
	}

	dets := make([]frame.Detection, 0, len(out.Predictions))
	for _, p := range out.Predictions {
		det := frame.Detection{
			Label:      p.Class,
			Confidence: p.Confidence,
			Box:        frame.FromCenter(p.X, p.Y, p.Width, p.Height),
		}
		if err := det.Validate(); err != nil {
			d.logger.Warn("Dropping malformed prediction", camlog.String("frame", f.ID), camlog.Error(err))
			continue
		}
		dets = append(dets, det)
	}

	d.logger.Debug("Inference complete",
		camlog.String("frame", f.ID),
		camlog.Int("detections", len(dets)),
		camlog.Duration("took", time.Since(start)))

	return Result{Detections: dets, Annotated: Annotate(f, dets)}, nil
}
