package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mikeyg42/detectcam/internal/api"
	"github.com/mikeyg42/detectcam/internal/buffer"
	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/catalog"
	"github.com/mikeyg42/detectcam/internal/config"
	"github.com/mikeyg42/detectcam/internal/cv"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/framestream"
	"github.com/mikeyg42/detectcam/internal/scan"
	"github.com/mikeyg42/detectcam/internal/sink"
	"github.com/mikeyg42/detectcam/internal/source"
)

// Application holds all components
type Application struct {
	config  *config.Config
	logger  camlog.Logger
	opener  *source.Router
	liveOut sink.Sink
	imgOut  *sink.DiskSink
	catalog *catalog.Store
	manager *capture.Manager
	display *cv.Display
	server  *api.Server

	closers []func() error
	wg      sync.WaitGroup
}

// NewApplication wires openers, detectors, sinks, the catalog and the
// capture manager from cfg.
func NewApplication(ctx context.Context, cfg *config.Config, logger camlog.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	app.opener = &source.Router{Default: cv.NewOpener(logger)}
	pl := cfg.Pipeline
	app.opener.Handle(framestream.Scheme, framestream.NewOpener(pl.MediaWidth, pl.MediaHeight, pl.MediaFPS, logger))

	imgOut, err := sink.NewDiskSink(sink.DiskConfig{
		BaseDir:      cfg.Storage.ImageDir,
		Prefix:       "capture",
		JPEGQuality:  cfg.Storage.JPEGQuality,
		MinFreeBytes: cfg.Storage.MinFreeMB << 20,
	}, logger)
	if err != nil {
		return nil, err
	}
	app.imgOut = imgOut

	liveOut, err := app.buildLiveSink(ctx)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.liveOut = liveOut

	if cfg.Catalog.Enabled {
		store, err := catalog.Open(ctx, catalog.Config{
			Driver:          cfg.Catalog.Driver,
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		}, logger)
		if err != nil {
			app.Cleanup()
			return nil, err
		}
		app.catalog = store
		app.closers = append(app.closers, store.Close)
	}

	tmpl, err := app.pipelineTemplate()
	if err != nil {
		app.Cleanup()
		return nil, err
	}

	mcfg := capture.ManagerConfig{
		Template:    tmpl,
		Opener:      app.opener,
		NewDetector: app.detectorFactory(),
		LiveSink:    liveOut,
		SingleSink:  imgOut,
		Logger:      logger,
	}
	if app.catalog != nil {
		mcfg.Recorder = app.catalog
	}
	app.manager, err = capture.NewManager(mcfg)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	return app, nil
}

func (app *Application) pipelineTemplate() (capture.Config, error) {
	pl := app.config.Pipeline
	mode, err := capture.ParseMode(pl.Mode)
	if err != nil {
		return capture.Config{}, err
	}
	policy, err := buffer.ParsePolicy(pl.BufferPolicy)
	if err != nil {
		return capture.Config{}, err
	}
	tmpl := capture.Config{
		Mode:           mode,
		BufferCapacity: pl.BufferCapacity,
		BufferPolicy:   policy,
		Reconnect: capture.ReconnectPolicy{
			InitialInterval: pl.Reconnect.InitialInterval,
			MaxInterval:     pl.Reconnect.MaxInterval,
			Multiplier:      pl.Reconnect.Multiplier,
			MaxAttempts:     pl.Reconnect.MaxAttempts,
		},
	}
	if pl.Display {
		app.display = cv.NewDisplay(app.config.Service.Name, app.logger)
		app.closers = append(app.closers, app.display.Close)
		if mode == capture.Inline {
			tmpl.Display = app.display.Show
		}
	}
	return tmpl, nil
}

// buildLiveSink tees every configured live output.
func (app *Application) buildLiveSink(ctx context.Context) (sink.Sink, error) {
	st := app.config.Storage
	var tee sink.Tee
	for _, kind := range st.LiveSinks {
		switch kind {
		case "disk":
			s, err := sink.NewDiskSink(sink.DiskConfig{
				BaseDir:      st.LiveDir,
				Prefix:       "live",
				JPEGQuality:  st.JPEGQuality,
				MinFreeBytes: st.MinFreeMB << 20,
			}, app.logger)
			if err != nil {
				return nil, err
			}
			tee = append(tee, s)
		case "video":
			s, err := cv.NewVideoSink(cv.VideoConfig{
				BaseDir: st.VideoDir,
				Prefix:  "live",
				Codec:   st.Video.Codec,
				FPS:     st.Video.FPS,
			}, app.logger)
			if err != nil {
				return nil, err
			}
			tee = append(tee, s)
			app.closers = append(app.closers, s.Close)
		case "minio":
			m := st.MinIO
			s, err := sink.NewMinIOSink(ctx, sink.MinIOConfig{
				Endpoint:        m.Endpoint,
				AccessKeyID:     m.AccessKeyID,
				SecretAccessKey: m.SecretAccessKey,
				UseSSL:          m.UseSSL,
				Bucket:          m.Bucket,
				Region:          m.Region,
				Prefix:          m.Prefix,
				MaxUploads:      m.MaxUploads,
				ConnectTimeout:  m.ConnectTimeout,
				MaxRetries:      m.MaxRetries,
				JPEGQuality:     st.JPEGQuality,
			}, app.logger)
			if err != nil {
				return nil, err
			}
			tee = append(tee, s)
		default:
			return nil, fmt.Errorf("unknown live sink %q", kind)
		}
	}
	if len(tee) == 1 {
		return tee[0], nil
	}
	return tee, nil
}

// detectorFactory builds one detector per camera pipeline.
func (app *Application) detectorFactory() capture.DetectorFactory {
	dc := app.config.Detector
	return func(cameraID string) (detector.Detector, error) {
		switch dc.Kind {
		case "roboflow":
			rf := dc.Roboflow
			d, err := detector.NewRoboflowDetector(detector.RoboflowConfig{
				Endpoint:    rf.Endpoint,
				APIKey:      rf.APIKey,
				Project:     rf.Project,
				Version:     rf.Version,
				Confidence:  rf.Confidence,
				Overlap:     rf.Overlap,
				JPEGQuality: app.config.Storage.JPEGQuality,
				Timeout:     rf.Timeout,
			}, app.logger.With(camlog.String("camera", cameraID)))
			if err != nil {
				return nil, err
			}
			return detector.Serialize(d), nil
		case "motion":
			m := dc.Motion
			return cv.NewMotionDetector(cv.MotionConfig{
				MinimumArea:  m.MinimumArea,
				BlurSize:     m.BlurSize,
				Threshold:    m.Threshold,
				DilationSize: m.DilationSize,
			}, app.logger.With(camlog.String("camera", cameraID))), nil
		case "none":
			return detector.Passthrough{}, nil
		default:
			return nil, fmt.Errorf("unknown detector %q", dc.Kind)
		}
	}
}

// RunLive starts every camera and blocks until ctx ends.
func (app *Application) RunLive(ctx context.Context, cameras []string) error {
	if app.config.API.Enabled {
		app.startAPI()
	}

	for _, cam := range cameras {
		if err := app.manager.StartLive(ctx, cam); err != nil {
			return fmt.Errorf("start %s: %w", cam, err)
		}
		app.logger.Info("Camera live", camlog.String("camera", cam))

		if app.display != nil && app.manager.Status(cam).Live() {
			if mode, _ := capture.ParseMode(app.config.Pipeline.Mode); mode == capture.Decoupled {
				app.wg.Add(1)
				go func(cam string) {
					defer app.wg.Done()
					err := app.display.Consume(ctx, app.manager, cam)
					if err != nil && !errors.Is(err, source.ErrEndOfStream) && ctx.Err() == nil {
						app.logger.Warn("Display consumer ended", camlog.String("camera", cam), camlog.Error(err))
					}
				}(cam)
			}
		}
	}

	<-ctx.Done()
	return nil
}

// RunScan scans a file input into the image output directory.
func (app *Application) RunScan(ctx context.Context, input string) (*scan.Report, error) {
	det, err := app.detectorFactory()(scan.CameraIDFor(input))
	if err != nil {
		return nil, err
	}
	deps := scan.Deps{Opener: app.opener, Detector: det, Sink: app.imgOut, Logger: app.logger}
	if app.catalog != nil {
		deps.Recorder = app.catalog
	}
	scanner, err := scan.New(deps)
	if err != nil {
		return nil, err
	}
	return scanner.Scan(ctx, input)
}

// RunAuto takes count single captures from camera at interval.
func (app *Application) RunAuto(ctx context.Context, cfg scan.AutoConfig) (*scan.Report, error) {
	return scan.Auto(ctx, app.manager, cfg, app.logger)
}

func (app *Application) startAPI() {
	ac := app.config.API
	var lister api.CaptureLister
	if app.catalog != nil {
		lister = app.catalog
	}
	app.server = api.NewServer(app.manager, lister, api.Options{
		Addr:           ac.ListenAddr,
		RatePerSecond:  ac.RatePerSecond,
		Burst:          ac.Burst,
		AllowedOrigins: ac.AllowedOrigins,
		JPEGQuality:    app.config.Storage.JPEGQuality,
		Logger:         app.logger,
	})
	app.server.StartInBackground()
}

// Shutdown stops the API, every camera and the display consumers.
func (app *Application) Shutdown(ctx context.Context) {
	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("API shutdown failed", camlog.Error(err))
		}
	}
	if app.manager != nil {
		if err := app.manager.Shutdown(ctx); err != nil {
			app.logger.Warn("Camera shutdown failed", camlog.Error(err))
		}
	}
	app.wg.Wait()
}

// Cleanup releases sinks, windows and the catalog in reverse order.
func (app *Application) Cleanup() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Warn("Cleanup failed", camlog.Error(err))
		}
	}
	app.closers = nil
}
