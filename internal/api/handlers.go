package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/catalog"
	"github.com/mikeyg42/detectcam/internal/detector"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/sink"
	"github.com/mikeyg42/detectcam/internal/source"
)

type errorResponse struct {
	Error string `json:"error"`
}

type cameraResponse struct {
	ID    string              `json:"id"`
	State capture.StreamState `json:"state"`
	Mode  *capture.Mode       `json:"mode,omitempty"`
	Stats *capture.Stats      `json:"stats,omitempty"`
}

type captureResponse struct {
	Camera     string            `json:"camera"`
	Detections []frame.Detection `json:"detections"`
	Path       string            `json:"path"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		camlog.L().Warn("Failed to encode response", camlog.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		stateErr   *capture.StateError
		connectErr *source.ConnectError
		readErr    *source.ReadError
		detectErr  *detector.DetectError
		writeErr   *sink.WriteError
	)
	switch {
	case errors.Is(err, capture.ErrNotConnected):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &connectErr), errors.As(err, &readErr), errors.As(err, &detectErr):
		return http.StatusBadGateway
	case errors.As(err, &writeErr):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op, cameraID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", camlog.String("op", op), camlog.String("camera", cameraID), camlog.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cams := s.ctrl.Cameras()
	live := 0
	for _, c := range cams {
		if c.State.Live() {
			live++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"cameras":       len(cams),
		"live":          live,
		"display_peers": s.hub.ClientCount(),
	})
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Cameras())
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, c := range s.ctrl.Cameras() {
		if c.ID == id {
			writeJSON(w, http.StatusOK, cameraResponse{ID: c.ID, State: c.State, Mode: &c.Mode, Stats: &c.Stats})
			return
		}
	}
	writeJSON(w, http.StatusOK, cameraResponse{ID: id, State: s.ctrl.Status(id)})
}

func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.StartLive(r.Context(), id); err != nil {
		s.fail(w, "start_live", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cameraResponse{ID: id, State: s.ctrl.Status(id)})
}

func (s *Server) handleStopLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.StopLive(r.Context(), id); err != nil {
		s.fail(w, "stop_live", id, err)
		return
	}
	writeJSON(w, http.StatusOK, cameraResponse{ID: id, State: s.ctrl.Status(id)})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dets, path, err := s.ctrl.CaptureOne(r.Context(), id)
	if err != nil {
		s.fail(w, "capture", id, err)
		return
	}
	if dets == nil {
		dets = []frame.Detection{}
	}
	writeJSON(w, http.StatusOK, captureResponse{Camera: id, Detections: dets, Path: path})
}

// handleListCaptures serves GET /api/captures?camera=&since=&min_detections=&limit=
func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	if s.captures == nil {
		writeError(w, http.StatusServiceUnavailable, "capture catalog is disabled")
		return
	}

	q := catalog.Query{CameraID: r.URL.Query().Get("camera")}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = t
	}
	for key, dst := range map[string]*int{"min_detections": &q.MinDetections, "limit": &q.Limit} {
		if v := r.URL.Query().Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	caps, err := s.captures.ListCaptures(r.Context(), q)
	if err != nil {
		s.logger.Error("Failed to list captures", camlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list captures")
		return
	}
	if caps == nil {
		caps = []*catalog.Capture{}
	}
	writeJSON(w, http.StatusOK, caps)
}
