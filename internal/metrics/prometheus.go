package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for audio chunks that never reach the upstream link
const (
	DropMuted        = "muted"
	DropDisconnected = "upstream_disconnected"
	DropClientAudio  = "client_audio"
	DropQueueFull    = "queue_full"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Upstream transcription metrics
	UpstreamConnects       prometheus.Counter
	UpstreamConnectFailure prometheus.Counter
	UpstreamReconnects     prometheus.Counter
	UpstreamConnectTime    prometheus.Histogram
	AudioBytesForwarded    prometheus.Counter
	AudioChunksDropped     *prometheus.CounterVec
	TranscriptsReceived    prometheus.Counter
	TranscriptsEmpty       prometheus.Counter

	// Translation metrics
	TranslationSuccesses prometheus.Counter
	TranslationFailures  prometheus.Counter
	TranslationDuration  prometheus.Histogram

	// Client link metrics
	ClientEventsSent    *prometheus.CounterVec
	ClientEventsDropped prometheus.Counter
	ClientProtocolError prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of connected client sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_opened_total",
			Help: "Total number of client sessions opened",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of client sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),

		// Upstream transcription metrics
		UpstreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_connects_total",
			Help: "Total number of upstream transcription links opened",
		}),
		UpstreamConnectFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_connect_failures_total",
			Help: "Total number of failed upstream transcription dials",
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Total number of automatic upstream reconnect attempts",
		}),
		UpstreamConnectTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_upstream_connect_duration_seconds",
			Help:    "Time to open an upstream transcription link",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		AudioBytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_bytes_forwarded_total",
			Help: "Total PCM bytes forwarded to upstream links",
		}),
		AudioChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audio_chunks_dropped_total",
			Help: "Audio chunks not forwarded upstream, by reason",
		}, []string{"reason"}),
		TranscriptsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcripts_received_total",
			Help: "Final transcripts received from upstream",
		}),
		TranscriptsEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcripts_empty_total",
			Help: "Empty or whitespace-only transcripts dropped",
		}),

		// Translation metrics
		TranslationSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_translation_successes_total",
			Help: "Total number of successful translation calls",
		}),
		TranslationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_translation_failures_total",
			Help: "Total number of failed translation calls",
		}),
		TranslationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_translation_duration_seconds",
			Help:    "Duration of translation calls",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10), // 25ms to ~13s
		}),

		// Client link metrics
		ClientEventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_events_sent_total",
			Help: "Events delivered to clients, by type",
		}, []string{"type"}),
		ClientEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_events_dropped_total",
			Help: "Events dropped because a client send queue was full",
		}),
		ClientProtocolError: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_protocol_errors_total",
			Help: "Malformed or unsupported client messages",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionOpened increments the opened counter and active gauge
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed decrements the active gauge and records the session lifetime
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordUpstreamConnect records a successful upstream dial
func (m *Metrics) RecordUpstreamConnect(durationSeconds float64) {
	m.UpstreamConnects.Inc()
	m.UpstreamConnectTime.Observe(durationSeconds)
}

// RecordUpstreamConnectFailure records a failed upstream dial
func (m *Metrics) RecordUpstreamConnectFailure() {
	m.UpstreamConnectFailure.Inc()
}

// RecordUpstreamReconnect increments the reconnect attempt counter
func (m *Metrics) RecordUpstreamReconnect() {
	m.UpstreamReconnects.Inc()
}

// RecordAudioForwarded adds forwarded PCM bytes
func (m *Metrics) RecordAudioForwarded(bytes int) {
	m.AudioBytesForwarded.Add(float64(bytes))
}

// RecordAudioDropped increments the dropped chunk counter for reason
func (m *Metrics) RecordAudioDropped(reason string) {
	m.AudioChunksDropped.WithLabelValues(reason).Inc()
}

// RecordTranscript counts a received transcript, empty ones separately
func (m *Metrics) RecordTranscript(empty bool) {
	m.TranscriptsReceived.Inc()
	if empty {
		m.TranscriptsEmpty.Inc()
	}
}

// RecordTranslationSuccess records a successful translation
func (m *Metrics) RecordTranslationSuccess(durationSeconds float64) {
	m.TranslationSuccesses.Inc()
	m.TranslationDuration.Observe(durationSeconds)
}

// RecordTranslationFailure records a failed translation
func (m *Metrics) RecordTranslationFailure(durationSeconds float64) {
	m.TranslationFailures.Inc()
	m.TranslationDuration.Observe(durationSeconds)
}

// RecordClientEvent counts an event queued for a client
func (m *Metrics) RecordClientEvent(eventType string) {
	m.ClientEventsSent.WithLabelValues(eventType).Inc()
}

// RecordClientEventDropped counts an event lost to a full send queue
func (m *Metrics) RecordClientEventDropped() {
	m.ClientEventsDropped.Inc()
}

// RecordClientProtocolError counts a rejected client message
func (m *Metrics) RecordClientProtocolError() {
	m.ClientProtocolError.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
