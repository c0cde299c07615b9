package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/capture"
	"github.com/mikeyg42/detectcam/internal/catalog"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

type fakeController struct {
	mu      sync.Mutex
	states  map[string]capture.StreamState
	display chan *frame.Frame
}

func newFakeController() *fakeController {
	return &fakeController{states: make(map[string]capture.StreamState), display: make(chan *frame.Frame, 8)}
}

func (c *fakeController) StartLive(ctx context.Context, handle string) error {
	if handle == "broken" {
		return &source.ConnectError{ID: handle, Err: errors.New("no such device")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[handle] = capture.Streaming
	return nil
}

func (c *fakeController) StopLive(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[handle]; !ok {
		return &capture.StateError{Op: "lookup", CameraID: handle, State: capture.Disconnected, Err: capture.ErrNotConnected}
	}
	c.states[handle] = capture.Stopped
	return nil
}

func (c *fakeController) Status(handle string) capture.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[handle]
}

func (c *fakeController) CaptureOne(ctx context.Context, handle string) ([]frame.Detection, string, error) {
	return []frame.Detection{{Label: "person", Confidence: 0.75, Box: frame.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}}}, "output/img/" + handle + "/shot.jpg", nil
}

func (c *fakeController) Cameras() []capture.CameraStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capture.CameraStatus
	for id, st := range c.states {
		out = append(out, capture.CameraStatus{ID: id, State: st, Mode: capture.Decoupled})
	}
	return out
}

func (c *fakeController) ConsumeDisplayFrame(ctx context.Context, handle string) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c.display:
		if !ok {
			return nil, source.ErrEndOfStream
		}
		return f, nil
	}
}

type fakeLister struct {
	got catalog.Query
}

func (l *fakeLister) ListCaptures(ctx context.Context, q catalog.Query) ([]*catalog.Capture, error) {
	l.got = q
	return []*catalog.Capture{{ID: "c1", CameraID: q.CameraID, Source: catalog.SourceLive}}, nil
}

func newTestServer(t *testing.T, ctrl Controller, lister CaptureLister, burst int) *Server {
	t.Helper()
	s := NewServer(ctrl, lister, Options{RatePerSecond: 0.001, Burst: burst, Logger: camlog.Nop()})
	t.Cleanup(func() {
		s.hub.Close()
		s.limiter.Stop()
	})
	return s
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeController(), nil, 5)
	rec := do(t, s.Handler(), http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestLiveLifecycle(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(t, ctrl, nil, 5)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/cameras/0/live")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"state":"streaming"`) {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/cameras")
	if !strings.Contains(rec.Body.String(), `"mode":"decoupled"`) {
		t.Fatalf("list: %s", rec.Body)
	}

	rec = do(t, h, http.MethodDelete, "/api/cameras/0/live")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"stopped"`) {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body)
	}
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, newFakeController(), nil, 5)
	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"connect failure", http.MethodPost, "/api/cameras/broken/live", http.StatusBadGateway},
		{"stop unknown camera", http.MethodDelete, "/api/cameras/9/live", http.StatusNotFound},
		{"wrong method", http.MethodPut, "/api/cameras/0/live", http.StatusMethodNotAllowed},
		{"catalog disabled", http.MethodGet, "/api/captures", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, s.Handler(), tt.method, tt.target); rec.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.target, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestCaptureIsRateLimited(t *testing.T) {
	s := newTestServer(t, newFakeController(), nil, 1)

	rec := do(t, s.Handler(), http.MethodPost, "/api/cameras/0/capture")
	if rec.Code != http.StatusOK {
		t.Fatalf("first capture: %d %s", rec.Code, rec.Body)
	}
	var resp captureResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Detections) != 1 || resp.Path != "output/img/0/shot.jpg" {
		t.Fatalf("resp = %+v", resp)
	}

	if rec := do(t, s.Handler(), http.MethodPost, "/api/cameras/0/capture"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second capture = %d, want 429", rec.Code)
	}
}

func TestListCapturesParsesQuery(t *testing.T) {
	lister := &fakeLister{}
	s := newTestServer(t, newFakeController(), lister, 5)

	rec := do(t, s.Handler(), http.MethodGet, "/api/captures?camera=0&since=2026-01-02T03:04:05Z&min_detections=2&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if lister.got.CameraID != "0" || !lister.got.Since.Equal(want) || lister.got.MinDetections != 2 || lister.got.Limit != 10 {
		t.Fatalf("query = %+v", lister.got)
	}

	if rec := do(t, s.Handler(), http.MethodGet, "/api/captures?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", rec.Code)
	}
	if rec := do(t, s.Handler(), http.MethodGet, "/api/captures?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since = %d", rec.Code)
	}
}

func TestDisplayWebSocketStreamsJPEG(t *testing.T) {
	ctrl := newFakeController()
	for i := 1; i <= 2; i++ {
		ctrl.display <- frame.New("0", uint64(i), image.NewRGBA(image.Rect(0, 0, 16, 12)))
	}
	close(ctrl.display)

	s := newTestServer(t, ctrl, nil, 5)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/cameras/0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < 2; i++ {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("message type = %d", mt)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if img.Bounds().Dx() != 16 {
			t.Fatalf("width = %d", img.Bounds().Dx())
		}
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after end of stream, got %v", err)
	}
}

// serverConn returns the server side of a fresh websocket connection.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	up := newUpgrader(nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	select {
	case conn := <-conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("server never accepted")
		return nil
	}
}

func TestClientWritesOnClosedConnFail(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := NewDisplayHub(newFakeController(), 80, camlog.FromZap(zap.New(core)))

	c := &client{conn: serverConn(t)}
	if err := c.write(websocket.BinaryMessage, []byte("frame")); err != nil {
		t.Fatalf("write on open conn: %v", err)
	}
	c.conn.Close()

	if err := c.write(websocket.BinaryMessage, []byte("frame")); err == nil {
		t.Fatalf("write on closed conn succeeded")
	}
	if err := c.close(websocket.CloseNormalClosure, "bye"); err == nil {
		t.Fatalf("close on closed conn succeeded")
	}

	fd := &feed{clients: map[*client]struct{}{c: {}}, cancel: func() {}}
	h.closeFeed("0", fd, websocket.CloseGoingAway, "server shutting down")
	entries := logs.FilterMessage("Display client close failed").All()
	if len(entries) != 1 || entries[0].Level != zap.DebugLevel {
		t.Fatalf("close failure log = %+v", entries)
	}
	if len(fd.clients) != 0 {
		t.Fatalf("feed kept %d clients", len(fd.clients))
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false} {
		if got := rl.Allow("10.0.0.1"); got != want {
			t.Fatalf("request %d: Allow = %v, want %v", i, got, want)
		}
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(1500 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("expected a refilled token")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("only one token should have refilled")
	}
}
