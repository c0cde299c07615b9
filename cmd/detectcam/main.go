package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/config"
	"github.com/mikeyg42/detectcam/internal/framestream"
	"github.com/mikeyg42/detectcam/internal/scan"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		mode       = flag.String("mode", "live", "live, scan, auto or devices")
		cameras    = flag.String("camera", "", "comma-separated camera handles (overrides config)")
		input      = flag.String("input", "", "image, video or directory to scan")
		interval   = flag.Duration("interval", 5*time.Second, "auto mode: time between captures")
		count      = flag.Int("count", 10, "auto mode: number of captures")
		apiAddr    = flag.String("api", "", "serve the HTTP API on this address")
		display    = flag.Bool("display", false, "show annotated frames in a window")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *cameras != "" {
		cfg.Cameras = strings.Split(*cameras, ",")
	}
	if *apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.ListenAddr = *apiAddr
	}
	if *display {
		cfg.Pipeline.Display = true
	}

	logger, err := camlog.New(camlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPaths: cfg.Log.OutputPaths})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	camlog.ReplaceGlobal(logger)
	defer logger.Sync()

	if err := run(cfg, logger, *mode, *input, scan.AutoConfig{Camera: cfg.Cameras[0], Interval: *interval, Count: *count}); err != nil {
		logger.Error("detectcam failed", camlog.String("mode", *mode), camlog.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger camlog.Logger, mode, input string, auto scan.AutoConfig) error {
	if mode == "devices" {
		return printJSON(framestream.Enumerate())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Cleanup()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	switch mode {
	case "live":
		logger.Info("Starting live capture", camlog.Any("cameras", cfg.Cameras), camlog.String("pipeline_mode", cfg.Pipeline.Mode))
		return app.RunLive(ctx, cfg.Cameras)
	case "scan":
		if input == "" {
			return fmt.Errorf("scan mode needs -input")
		}
		report, err := app.RunScan(ctx, input)
		if report != nil {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		}
		return err
	case "auto":
		report, err := app.RunAuto(ctx, auto)
		if report != nil {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		}
		return err
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
