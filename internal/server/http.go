package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nutanix-japan/transcription-app/internal/audio"
	"github.com/nutanix-japan/transcription-app/internal/config"
	"github.com/nutanix-japan/transcription-app/internal/metrics"
	"github.com/nutanix-japan/transcription-app/internal/session"
	"github.com/nutanix-japan/transcription-app/internal/translation"
)

const (
	serviceName    = "transcription-relay"
	serviceVersion = "1.0.0"
)

// DeviceLister enumerates capture devices
type DeviceLister interface {
	Devices() ([]audio.DeviceInfo, error)
}

// TranslationStats reports translation client statistics
type TranslationStats interface {
	GetStats() translation.ClientStats
}

// Deps are the components the HTTP server exposes
type Deps struct {
	Sessions    *session.Manager
	Devices     DeviceLister
	Translation TranslationStats // optional
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
}

// HTTPServer serves client WebSockets and the monitoring API
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	config   *config.Config
	sessions *session.Manager
	devices  DeviceLister
	stats    TranslationStats
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the server and its routes
func NewHTTPServer(cfg *config.Config, deps Deps) *HTTPServer {
	h := &HTTPServer{
		logger:   deps.Logger.With().Str("component", "http").Logger(),
		config:   cfg,
		sessions: deps.Sessions,
		devices:  deps.Devices,
		stats:    deps.Translation,
		metrics:  deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.Server.AllowedOrigins),
		},
		startTime: time.Now(),
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, gatherer)
	h.handler = h.withRecovery(mux)

	// No read/write timeouts: they would cut long-lived WebSockets
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/devices", h.withMetrics("/devices", h.handleDevices))
	mux.HandleFunc("/languages", h.withMetrics("/languages", h.handleLanguages))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Not wrapped: the upgrade needs the raw ResponseWriter
	mux.HandleFunc("/ws", h.handleWebSocket)

	if h.config.Server.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(h.config.Server.StaticDir)))
	} else {
		mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	}
}

// Handler returns the root handler with panic recovery applied
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, time.Since(startTime).Seconds())

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// withRecovery keeps a handler panic from taking down the process
func (h *HTTPServer) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("HTTP handler panicked")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info().Str("address", h.server.Addr).Msg("Starting HTTP server")

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	connected := 0
	for _, s := range h.sessions.All() {
		if s.Info().UpstreamConnected {
			connected++
		}
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"sessions": map[string]any{
				"active":             h.sessions.Count(),
				"upstream_connected": connected,
			},
			"transcription": map[string]any{
				"provider": h.config.Transcription.Provider,
			},
			"translation": map[string]any{
				"provider": h.config.Translation.Provider,
			},
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	sessions := h.sessions.All()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartTime.Before(infos[j].StartTime) })

	writeJSON(w, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	s, ok := h.sessions.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s.Info())
}

// handleDevices implements the /devices endpoint
func (h *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	devices, err := h.devices.Devices()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enumerate capture devices")
		http.Error(w, "Failed to enumerate devices", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"default_device": h.config.Audio.DeviceID,
		"devices":        devices,
	})
}

// handleLanguages implements the /languages endpoint
func (h *HTTPServer) handleLanguages(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	writeJSON(w, map[string]any{
		"default_language": h.config.Translation.DefaultLanguage,
		"languages":        translation.List(),
	})
}

// handleConfig implements the /config endpoint. Credentials are omitted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	c := h.config
	writeJSON(w, map[string]any{
		"server": map[string]any{
			"address":         c.Server.Address,
			"port":            c.Server.Port,
			"static_dir":      c.Server.StaticDir,
			"allowed_origins": c.Server.AllowedOrigins,
			"max_sessions":    c.Server.MaxSessions,
		},
		"audio": map[string]any{
			"backend":     c.Audio.Backend,
			"device_id":   c.Audio.DeviceID,
			"file_path":   c.Audio.FilePath,
			"sample_rate": c.Audio.SampleRate,
			"channels":    c.Audio.Channels,
			"chunk_ms":    c.Audio.ChunkMs,
		},
		"transcription": map[string]any{
			"provider":        c.Transcription.Provider,
			"endpoint":        c.Transcription.Endpoint,
			"model":           c.Transcription.Model,
			"language":        c.Transcription.Language,
			"region":          c.Transcription.Region,
			"connect_timeout": c.Transcription.ConnectTimeout,
			"reconnect_delay": c.Transcription.ReconnectDelay,
		},
		"translation": map[string]any{
			"provider":         c.Translation.Provider,
			"endpoint":         c.Translation.Endpoint,
			"timeout":          c.Translation.Timeout,
			"max_concurrent":   c.Translation.MaxConcurrent,
			"default_language": c.Translation.DefaultLanguage,
		},
		"session": map[string]any{
			"diagnostics_interval": c.Session.DiagnosticsInterval,
			"send_queue":           c.Session.SendQueue,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	var totals struct {
		AudioBytesSent      uint64 `json:"audio_bytes_sent"`
		ChunksDropped       uint64 `json:"chunks_dropped"`
		Reconnects          uint64 `json:"reconnects"`
		TranscriptsSent     uint64 `json:"transcripts_sent"`
		TranslationFailures uint64 `json:"translation_failures"`
	}
	for _, s := range h.sessions.All() {
		info := s.Info()
		totals.AudioBytesSent += info.AudioBytesSent
		totals.ChunksDropped += info.ChunksDropped
		totals.Reconnects += info.Reconnects
		totals.TranscriptsSent += info.TranscriptsSent
		totals.TranslationFailures += info.TranslationFailures
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count": h.sessions.Count(),
			"totals":       totals,
		},
	}
	if h.stats != nil {
		stats["translation"] = h.stats.GetStats()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "Live Transcription Relay",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":               "API documentation",
			"GET /ws":             "Client WebSocket",
			"GET /health":         "Service health check",
			"GET /sessions":       "List active sessions",
			"GET /sessions/{id}":  "Get detailed session information",
			"GET /devices":        "List capture devices",
			"GET /languages":      "List target languages",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
