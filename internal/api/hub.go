package api

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
	"github.com/mikeyg42/detectcam/internal/source"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// DisplaySource hands out display frames of decoupled pipelines.
type DisplaySource interface {
	ConsumeDisplayFrame(ctx context.Context, handle string) (*frame.Frame, error)
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // one data writer at a time
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// close sends a close frame and drops the connection. The connection is
// closed even when the close frame cannot be written.
func (c *client) close(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return errors.Join(werr, c.conn.Close())
}

// feed is the single display consumer for one camera, fanned out to every
// connected client.
type feed struct {
	clients map[*client]struct{}
	cancel  context.CancelFunc
}

// DisplayHub streams annotated display frames as binary JPEG messages. The
// first client of a camera starts its consumer; the last one leaving stops it.
type DisplayHub struct {
	src     DisplaySource
	quality int
	logger  camlog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
	wg     sync.WaitGroup
}

// NewDisplayHub creates a hub reading from src.
func NewDisplayHub(src DisplaySource, jpegQuality int, logger camlog.Logger) *DisplayHub {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 80
	}
	if logger == nil {
		logger = camlog.L()
	}
	return &DisplayHub{
		src:     src,
		quality: jpegQuality,
		logger:  logger.Named("api.display"),
		feeds:   make(map[string]*feed),
	}
}

// Register adds a connection for a camera, starting its feed if needed.
func (h *DisplayHub) Register(cameraID string, conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}

	c := &client{conn: conn}
	fd, ok := h.feeds[cameraID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		fd = &feed{clients: make(map[*client]struct{}), cancel: cancel}
		h.feeds[cameraID] = fd
		h.wg.Add(1)
		go h.pump(ctx, cameraID, fd)
	}
	fd.clients[c] = struct{}{}
	h.logger.Info("Display client registered", camlog.String("camera", cameraID), camlog.Int("clients", len(fd.clients)))
	return c, true
}

// Unregister removes a connection; the feed stops with its last client.
func (h *DisplayHub) Unregister(cameraID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fd, ok := h.feeds[cameraID]
	if !ok {
		return
	}
	if _, ok := fd.clients[c]; !ok {
		return
	}
	delete(fd.clients, c)
	if len(fd.clients) == 0 {
		fd.cancel()
		delete(h.feeds, cameraID)
	}
	h.logger.Info("Display client unregistered", camlog.String("camera", cameraID))
}

// HasClients returns true if any client is watching cameraID.
func (h *DisplayHub) HasClients(cameraID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	fd, ok := h.feeds[cameraID]
	return ok && len(fd.clients) > 0
}

// ClientCount returns the total number of connected clients.
func (h *DisplayHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, fd := range h.feeds {
		n += len(fd.clients)
	}
	return n
}

func (h *DisplayHub) pump(ctx context.Context, cameraID string, fd *feed) {
	defer h.wg.Done()
	log := h.logger.With(camlog.String("camera", cameraID))

	var buf bytes.Buffer
	for {
		f, err := h.src.ConsumeDisplayFrame(ctx, cameraID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code, text := websocket.CloseNormalClosure, "stream ended"
			if !errors.Is(err, source.ErrEndOfStream) {
				code, text = websocket.CloseTryAgainLater, err.Error()
				log.Warn("Display feed failed", camlog.Error(err))
			}
			h.closeFeed(cameraID, fd, code, text)
			return
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: h.quality}); err != nil {
			log.Warn("Failed to encode display frame", camlog.String("frame_id", f.ID), camlog.Error(err))
			continue
		}
		h.broadcast(cameraID, fd, buf.Bytes())
	}
}

func (h *DisplayHub) broadcast(cameraID string, fd *feed, data []byte) {
	h.mu.Lock()
	clients := make([]*client, 0, len(fd.clients))
	for c := range fd.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(websocket.BinaryMessage, data); err != nil {
			h.logger.Debug("Dropping display client", camlog.String("camera", cameraID), camlog.Error(err))
			h.Unregister(cameraID, c)
			c.conn.Close()
		}
	}
}

// closeFeed detaches fd and closes its clients with the given close code.
func (h *DisplayHub) closeFeed(cameraID string, fd *feed, code int, text string) {
	h.mu.Lock()
	if h.feeds[cameraID] == fd {
		delete(h.feeds, cameraID)
	}
	clients := fd.clients
	fd.clients = make(map[*client]struct{})
	fd.cancel()
	h.mu.Unlock()

	for c := range clients {
		if err := c.close(code, text); err != nil {
			h.logger.Debug("Display client close failed", camlog.String("camera", cameraID), camlog.Error(err))
		}
	}
}

// Close disconnects every client and waits for the feeds to stop.
func (h *DisplayHub) Close() {
	h.mu.Lock()
	h.closed = true
	feeds := h.feeds
	h.feeds = make(map[string]*feed)
	h.mu.Unlock()

	for id, fd := range feeds {
		h.closeFeed(id, fd, websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func newUpgrader(allowed map[string]bool) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 256 * 1024, // JPEG frames
	}
	if len(allowed) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return u
}

// serveWS upgrades the request and attaches it to the camera's feed.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("id")
	if cameraID == "" {
		writeError(w, http.StatusBadRequest, "camera id required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", camlog.String("camera", cameraID), camlog.Error(err))
		return
	}
	c, ok := s.hub.Register(cameraID, conn)
	if !ok {
		conn.Close()
		return
	}
	go s.readPump(cameraID, c)
}

// readPump keeps the connection alive and notices client disconnects.
func (s *Server) readPump(cameraID string, c *client) {
	defer func() {
		s.hub.Unregister(cameraID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Display client read error", camlog.String("camera", cameraID), camlog.Error(err))
			}
			return
		}
	}
}
