// Package api provides the HTTP control surface for the capture manager
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/catalog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

// Controller is the subset of capture.Manager the API drives.
type Controller interface {
	DisplaySource
	StartLive(ctx context.Context, handle string) error
	StopLive(ctx context.Context, handle string) error
	Status(handle string) capture.StreamState
	CaptureOne(ctx context.Context, handle string) ([]frame.Detection, string, error)
	Cameras() []capture.CameraStatus
}

// CaptureLister queries the capture catalog.
type CaptureLister interface {
	ListCaptures(ctx context.Context, q catalog.Query) ([]*catalog.Capture, error)
}

// Options configures the server.
type Options struct {
	Addr           string
	RatePerSecond  float64 // one-shot capture limit per client IP
	Burst          int
	AllowedOrigins []string
	JPEGQuality    int // display frames
	Logger         camlog.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	ctrl       Controller
	captures   CaptureLister
	limiter    *RateLimiter
	hub        *DisplayHub
	upgrader   websocket.Upgrader
	logger     camlog.Logger
}

// NewServer creates a new API server. captures may be nil when the catalog
// is disabled.
func NewServer(ctrl Controller, captures CaptureLister, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = camlog.L()
	}
	logger = logger.Named("api")
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}

	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}

	s := &Server{
		mux:      http.NewServeMux(),
		ctrl:     ctrl,
		captures: captures,
		limiter:  NewRateLimiter(opts.RatePerSecond, opts.Burst),
		hub:      NewDisplayHub(ctrl, opts.JPEGQuality, logger),
		upgrader: newUpgrader(allowed),
		logger:   logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           corsMiddleware(allowed, s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second, // single captures wait on inference
		MaxHeaderBytes:    1 << 20,          // 1 MB
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	s.mux.HandleFunc("GET /api/cameras/{id}", s.handleGetCamera)
	s.mux.HandleFunc("POST /api/cameras/{id}/live", s.handleStartLive)
	s.mux.HandleFunc("DELETE /api/cameras/{id}/live", s.handleStopLive)
	s.mux.HandleFunc("POST /api/cameras/{id}/capture", s.limiter.Middleware(s.handleCapture))
	s.mux.HandleFunc("GET /api/captures", s.handleListCaptures)
	s.mux.HandleFunc("GET /ws/cameras/{id}", s.serveWS)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(allowed map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", camlog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", camlog.Error(err))
		}
	}()
}

// Shutdown closes display clients and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.hub.Close()
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
