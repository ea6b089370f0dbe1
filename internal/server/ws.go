package server

import (
	"errors"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nutanix-japan/transcription-app/internal/metrics"
	"github.com/nutanix-japan/transcription-app/internal/protocol"
	"github.com/nutanix-japan/transcription-app/internal/session"
	"github.com/rs/zerolog"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	maxFrameSize     = 1 << 20
	defaultSendQueue = 64
)

// clientLink is the WebSocket side of a session. It implements session.Sink:
// Emit queues events for the write pump and never blocks.
type clientLink struct {
	conn    *websocket.Conn
	send    chan protocol.Event
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
	logger  zerolog.Logger

	dropped uint64 // guarded by mu
	mu      sync.Mutex
}

func newClientLink(conn *websocket.Conn, queue int, m *metrics.Metrics, logger zerolog.Logger) *clientLink {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &clientLink{
		conn:    conn,
		send:    make(chan protocol.Event, queue),
		done:    make(chan struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Emit queues ev; when the queue is full the event is dropped
func (c *clientLink) Emit(ev protocol.Event) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		dropped := c.dropped
		c.mu.Unlock()
		c.metrics.RecordClientEventDropped()
		c.logger.Warn().
			Str("event_type", ev.Type).
			Uint64("dropped_total", dropped).
			Msg("Client send queue full, event dropped")
	}
}

// Close asks the write pump to flush queued events and close the socket
func (c *clientLink) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *clientLink) writeEvent(ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.RecordClientEvent(ev.Type)
	return nil
}

// writePump owns all writes to the connection
func (c *clientLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Client write pump panicked")
			c.Close()
		}
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.writeEvent(ev); err != nil {
				c.logger.Debug().Err(err).Msg("Client write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Client ping failed")
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, so a final error event reaches the client
func (c *clientLink) flush() {
	for {
		select {
		case ev := <-c.send:
			if err := c.writeEvent(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump dispatches inbound frames to s until the connection fails
func (c *clientLink) readPump(s *session.Session) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("Client connection lost")
			} else {
				c.logger.Debug().Err(err).Msg("Client disconnected")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleCommand(s, data)
		case websocket.BinaryMessage:
			s.OnClientAudio(data)
		}
	}
}

func (c *clientLink) handleCommand(s *session.Session, data []byte) {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		c.metrics.RecordClientProtocolError()
		c.logger.Warn().Err(err).Msg("Ignoring malformed client message")
		c.Emit(protocol.Debug("Ignored message: %v", err))
		return
	}

	switch cmd.Type {
	case protocol.CommandSetLanguage:
		s.SetLanguage(cmd.Language)
	case protocol.CommandSetAudioDevice:
		// Failures are reported to the client by the session
		_ = s.SetAudioDevice(cmd.DeviceID)
	case protocol.CommandMute:
		s.SetMuted(true)
	case protocol.CommandUnmute:
		s.SetMuted(false)
	}
}

// handleWebSocket implements the /ws endpoint
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	logger := h.logger.With().Str("remote_addr", r.RemoteAddr).Logger()
	link := newClientLink(conn, h.config.Session.SendQueue, h.metrics, logger)
	go link.writePump()

	s, err := h.sessions.Open(link)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTooManySessions):
			link.Emit(protocol.ErrorEvent("Server is at capacity, try again later"))
			link.Close()
		case errors.Is(err, session.ErrStopped):
			link.Emit(protocol.ErrorEvent("Server is shutting down"))
			link.Close()
		}
		// Capture failures have already been reported and the link closed
		logger.Warn().Err(err).Msg("Session rejected")
		return
	}

	logger.Info().Str("session_id", s.ID).Msg("Client attached")
	defer s.Close()
	link.readPump(s)
}

// checkOrigin accepts same-host requests and any configured origin. An empty
// allow list accepts everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
