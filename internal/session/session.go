package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nutanix-japan/transcription-app/internal/audio"
	"github.com/nutanix-japan/transcription-app/internal/metrics"
	"github.com/nutanix-japan/transcription-app/internal/protocol"
	"github.com/nutanix-japan/transcription-app/internal/transcription"
	"github.com/nutanix-japan/transcription-app/internal/translation"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateConnectingUpstream
	StateStreaming
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink delivers events to one client. Emit must not block.
type Sink interface {
	Emit(ev protocol.Event)
	Close()
}

// AudioOpener opens capture sources by device id, empty for the default device
type AudioOpener interface {
	Open(deviceID string) (audio.Source, error)
}

// Config contains per-session parameters
type Config struct {
	DefaultLanguage     string
	DeviceID            string
	ReconnectDelay      time.Duration
	DiagnosticsInterval time.Duration
}

// Deps are the collaborators shared by all sessions
type Deps struct {
	Dialer     transcription.Dialer
	Translator translation.Translator
	Audio      AudioOpener
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Session is the server-side state of one client connection
type Session struct {
	ID        string
	StartTime time.Time

	config  Config
	deps    Deps
	sink    Sink
	logger  zerolog.Logger
	onClose func(*Session)

	// Cancelled on close; bounds dials and translations
	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	state               State
	currentLanguage     string
	isMuted             bool
	isUpstreamConnected bool
	isClientClosed      bool
	totalAudioBytesSent uint64
	lastLogTimestamp    time.Time

	deviceID       string
	source         audio.Source
	link           transcription.Link
	generation     uint64 // fences events from retired links
	reconnectTimer *time.Timer

	// Statistics
	connectAttempts     uint64
	reconnects          uint64
	chunksDropped       uint64
	transcriptsReceived uint64
	transcriptsSent     uint64
	translationFailures uint64
}

// Info represents session information for monitoring APIs
type Info struct {
	ID                  string                   `json:"id"`
	State               string                   `json:"state"`
	Language            string                   `json:"language"`
	LanguageLabel       string                   `json:"language_label"`
	Muted               bool                     `json:"muted"`
	UpstreamConnected   bool                     `json:"upstream_connected"`
	DeviceID            string                   `json:"device_id"`
	StartTime           time.Time                `json:"start_time"`
	Duration            time.Duration            `json:"duration"`
	AudioBytesSent      uint64                   `json:"audio_bytes_sent"`
	ChunksDropped       uint64                   `json:"chunks_dropped"`
	ConnectAttempts     uint64                   `json:"connect_attempts"`
	Reconnects          uint64                   `json:"reconnects"`
	TranscriptsReceived uint64                   `json:"transcripts_received"`
	TranscriptsSent     uint64                   `json:"transcripts_sent"`
	TranslationFailures uint64                   `json:"translation_failures"`
	Upstream            *transcription.LinkStats `json:"upstream,omitempty"`
}

func newSession(ctx context.Context, id string, config Config, deps Deps, sink Sink, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:              id,
		StartTime:       time.Now(),
		config:          config,
		deps:            deps,
		sink:            sink,
		logger:          deps.Logger.With().Str("session_id", id).Logger(),
		onClose:         onClose,
		ctx:             ctx,
		cancel:          cancel,
		state:           StateIdle,
		currentLanguage: config.DefaultLanguage,
	}
}

// start opens the audio source, dials upstream in the background and starts
// capture. A returned error is always an *audio.CaptureError.
func (s *Session) start() error {
	src, err := s.deps.Audio.Open(s.config.DeviceID)
	if err != nil {
		return &audio.CaptureError{DeviceID: s.config.DeviceID, Op: "open", Err: err}
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return &audio.CaptureError{DeviceID: src.DeviceID(), Op: "open", Err: errors.New("session already started")}
	}
	s.source = src
	s.deviceID = src.DeviceID()
	gen, link := s.newLinkLocked()
	s.mu.Unlock()

	go s.connect(gen, link)

	if err := src.Start(s.chunkHandler(src), s.failureHandler(src)); err != nil {
		return asCaptureError(src.DeviceID(), err)
	}

	s.logger.Info().
		Str("device_id", src.DeviceID()).
		Str("language", s.config.DefaultLanguage).
		Str("provider", s.deps.Dialer.Provider()).
		Msg("Session started")
	return nil
}

// newLinkLocked retires the current generation and creates an unopened link
// whose events are tagged with the new one
func (s *Session) newLinkLocked() (uint64, transcription.Link) {
	s.generation++
	gen := s.generation
	link := s.deps.Dialer.NewLink(transcription.Handler{
		OnTranscript: func(text string) { s.onTranscript(gen, text) },
		OnError:      func(err error) { s.onUpstreamError(gen, err) },
		OnClosed:     func() { s.onUpstreamClosed(gen) },
	})
	s.link = link
	s.state = StateConnectingUpstream
	s.connectAttempts++
	return gen, link
}

// connect opens link and reports the outcome
func (s *Session) connect(gen uint64, link transcription.Link) {
	started := time.Now()
	err := link.Open(s.ctx)

	s.mu.Lock()
	// A pending reconnect means this link already reported closed
	if s.state == StateClosed || gen != s.generation || s.reconnectTimer != nil {
		s.mu.Unlock()
		link.Close()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.deps.Metrics.RecordUpstreamConnectFailure()
		s.logger.Warn().Err(err).Uint64("generation", gen).Msg("Upstream connect failed")
		s.emit(protocol.Debug("Upstream connect failed: %v", err))
		s.onUpstreamClosed(gen)
		return
	}
	s.isUpstreamConnected = true
	s.state = StateStreaming
	s.sink.Emit(protocol.Status(protocol.StatusConnected))
	s.mu.Unlock()

	s.deps.Metrics.RecordUpstreamConnect(time.Since(started).Seconds())
	s.logger.Info().
		Uint64("generation", gen).
		Dur("connect_time", time.Since(started)).
		Msg("Upstream connected")
}

// onUpstreamClosed marks the upstream down and schedules exactly one reconnect
func (s *Session) onUpstreamClosed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || gen != s.generation || s.reconnectTimer != nil {
		return
	}

	s.isUpstreamConnected = false
	s.state = StateDisconnected
	s.sink.Emit(protocol.Status(protocol.StatusDisconnected))

	delay := s.config.ReconnectDelay
	s.reconnectTimer = time.AfterFunc(delay, func() {
		defer s.recoverPanic("reconnect")
		s.reconnect(gen)
	})

	s.logger.Warn().
		Uint64("generation", gen).
		Dur("retry_in", delay).
		Msg("Upstream disconnected, reconnect scheduled")
}

// reconnect retires the link of generation gen and dials a new one.
// Retries have a fixed delay and no limit.
func (s *Session) reconnect(gen uint64) {
	old, newGen, link, ok := s.replaceLink(gen)
	if !ok {
		return
	}

	// The old link is fully closed before the new one opens
	if old != nil {
		old.Close()
	}

	s.deps.Metrics.RecordUpstreamReconnect()
	s.logger.Info().Uint64("generation", newGen).Msg("Reconnecting upstream")
	s.connect(newGen, link)
}

// replaceLink swaps the retired link of generation gen for a new unopened one
func (s *Session) replaceLink(gen uint64) (old transcription.Link, newGen uint64, link transcription.Link, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || gen != s.generation {
		return nil, 0, nil, false
	}
	s.reconnectTimer = nil
	old = s.link
	s.link = nil
	newGen, link = s.newLinkLocked()
	s.reconnects++
	return old, newGen, link, true
}

func (s *Session) onUpstreamError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || gen != s.generation {
		return
	}

	var streamErr *transcription.StreamError
	if errors.As(err, &streamErr) {
		s.logger.Warn().Err(err).Msg("Upstream stream error")
	} else {
		s.logger.Warn().Err(err).Msg("Upstream error")
	}
	s.sink.Emit(protocol.Debug("Upstream error: %v", err))
}

// onTranscript translates one final transcript into the current language.
// It runs on the link's receiver goroutine, so transcripts keep upstream order.
func (s *Session) onTranscript(gen uint64, text string) {
	if strings.TrimSpace(text) == "" {
		s.deps.Metrics.RecordTranscript(true)
		return
	}

	s.mu.Lock()
	if s.state == StateClosed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	target := s.currentLanguage
	s.transcriptsReceived++
	s.mu.Unlock()

	s.deps.Metrics.RecordTranscript(false)

	started := time.Now()
	translated, err := s.deps.Translator.Translate(s.ctx, text, target)
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Results arriving after close are discarded
	if s.state == StateClosed {
		return
	}

	if err != nil {
		s.translationFailures++
		s.deps.Metrics.RecordTranslationFailure(elapsed.Seconds())
		s.logger.Warn().Err(err).Str("target", target).Msg("Translation failed, transcript dropped")
		s.sink.Emit(protocol.Debug("Translation failed: %v", err))
		return
	}

	s.transcriptsSent++
	s.deps.Metrics.RecordTranslationSuccess(elapsed.Seconds())
	s.sink.Emit(protocol.Transcript(text, translated, translation.Label(target)))
	s.logger.Debug().
		Str("target", target).
		Dur("translation_time", elapsed).
		Int("chars", len(text)).
		Msg("Transcript delivered")
}

// chunkHandler returns the capture callback for src. Chunks from a source
// that has since been replaced are ignored.
func (s *Session) chunkHandler(src audio.Source) func([]byte) {
	return func(chunk []byte) {
		s.mu.Lock()
		current := s.source == src
		s.mu.Unlock()
		if current {
			s.OnAudioChunk(chunk)
		}
	}
}

// failureHandler returns the capture failure callback for src. A failure of
// the current source is fatal; failures of replaced sources are ignored.
func (s *Session) failureHandler(src audio.Source) func(error) {
	return func(err error) {
		s.mu.Lock()
		current := s.source == src && s.state != StateClosed
		s.mu.Unlock()
		if current {
			s.fail(asCaptureError(src.DeviceID(), err))
		}
	}
}

// OnAudioChunk forwards a chunk upstream unless the session is muted or
// has no open upstream link
func (s *Session) OnAudioChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateClosed:
		return
	case s.isMuted:
		s.dropLocked(metrics.DropMuted, "muted")
		return
	case !s.isUpstreamConnected || s.link == nil:
		s.dropLocked(metrics.DropDisconnected, "upstream not connected")
		return
	}

	if !s.link.Send(chunk) {
		s.dropLocked(metrics.DropQueueFull, "upstream link rejected chunk")
		return
	}
	s.totalAudioBytesSent += uint64(len(chunk))
	s.deps.Metrics.RecordAudioForwarded(len(chunk))
}

// OnClientAudio handles a binary frame from the client. Capture runs on the
// server, so client audio is dropped.
func (s *Session) OnClientAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.dropLocked(metrics.DropClientAudio, "client audio is not accepted, capture runs on the server")
}

// dropLocked records a dropped chunk and emits a diagnostic at most once per
// diagnostics interval
func (s *Session) dropLocked(reason, message string) {
	s.chunksDropped++
	s.deps.Metrics.RecordAudioDropped(reason)

	now := time.Now()
	if now.Sub(s.lastLogTimestamp) < s.config.DiagnosticsInterval {
		return
	}
	s.lastLogTimestamp = now
	s.sink.Emit(protocol.Debug("Audio chunk dropped: %s (%d dropped so far)", message, s.chunksDropped))
}

// SetLanguage changes the target language used for the next transcript
func (s *Session) SetLanguage(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	previous := s.currentLanguage
	s.currentLanguage = code
	s.logger.Info().Str("from", previous).Str("to", code).Msg("Target language changed")
	s.sink.Emit(protocol.Debug("Target language set to %s", translation.Label(code)))
}

// SetMuted gates forwarding; capture keeps running while muted
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.isMuted == muted {
		return
	}
	s.isMuted = muted
	s.logger.Info().Bool("muted", muted).Msg("Mute state changed")
	if muted {
		s.sink.Emit(protocol.Debug("Audio muted"))
	} else {
		s.sink.Emit(protocol.Debug("Audio unmuted"))
	}
}

// SetAudioDevice restarts capture on another device. An unknown id leaves the
// current device running; a failure to start the new device closes the session.
func (s *Session) SetAudioDevice(id string) error {
	src, err := s.deps.Audio.Open(id)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", id).Msg("Audio device switch rejected")
		if errors.Is(err, audio.ErrUnknownDevice) {
			s.emit(protocol.ErrorEvent(fmt.Sprintf("Unknown audio device %q", id)))
		} else {
			s.emit(protocol.ErrorEvent(fmt.Sprintf("Cannot open audio device %q: %v", id, err)))
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	old := s.source
	s.source = src
	s.mu.Unlock()

	// Stop outside the lock; capture callbacks take it
	if old != nil {
		old.Stop()
	}

	if err := src.Start(s.chunkHandler(src), s.failureHandler(src)); err != nil {
		err = asCaptureError(src.DeviceID(), err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.deviceID = src.DeviceID()
	s.mu.Unlock()

	s.logger.Info().Str("device_id", src.DeviceID()).Msg("Audio device switched")
	s.emit(protocol.Debug("Audio device switched to %s", src.DeviceID()))
	return nil
}

func asCaptureError(deviceID string, err error) error {
	var captureErr *audio.CaptureError
	if errors.As(err, &captureErr) {
		return err
	}
	return &audio.CaptureError{DeviceID: deviceID, Op: "start", Err: err}
}

// recoverPanic keeps a panic on a session goroutine from reaching the
// process; the session is failed instead
func (s *Session) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.logger.Error().
			Interface("panic", r).
			Str("where", where).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic")
		s.fail(fmt.Errorf("internal error in %s: %v", where, r))
	}
}

// fail reports a fatal error to the client and closes the session
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("Session failed")
	s.emit(protocol.ErrorEvent(err.Error()))
	s.Close()
}

// Close releases the session. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.isClientClosed = true
	s.isUpstreamConnected = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	link, src := s.link, s.source
	s.link, s.source = nil, nil
	s.mu.Unlock()

	s.cancel()
	if src != nil {
		src.Stop()
	}
	if link != nil {
		link.Close()
	}
	s.sink.Close()

	if s.onClose != nil {
		s.onClose(s)
	}

	duration := time.Since(s.StartTime)
	s.deps.Metrics.RecordSessionClosed(duration.Seconds())

	info := s.Info()
	s.logger.Info().
		Dur("duration", duration).
		Uint64("audio_bytes_sent", info.AudioBytesSent).
		Uint64("transcripts_sent", info.TranscriptsSent).
		Uint64("translation_failures", info.TranslationFailures).
		Uint64("reconnects", info.Reconnects).
		Msg("Session closed")
}

// emit delivers ev unless the session is closed
func (s *Session) emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.sink.Emit(ev)
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session for monitoring
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:                  s.ID,
		State:               s.state.String(),
		Language:            s.currentLanguage,
		LanguageLabel:       translation.Label(s.currentLanguage),
		Muted:               s.isMuted,
		UpstreamConnected:   s.isUpstreamConnected,
		DeviceID:            s.deviceID,
		StartTime:           s.StartTime,
		Duration:            time.Since(s.StartTime),
		AudioBytesSent:      s.totalAudioBytesSent,
		ChunksDropped:       s.chunksDropped,
		ConnectAttempts:     s.connectAttempts,
		Reconnects:          s.reconnects,
		TranscriptsReceived: s.transcriptsReceived,
		TranscriptsSent:     s.transcriptsSent,
		TranslationFailures: s.translationFailures,
	}
	if s.link != nil {
		stats := s.link.GetStats()
		info.Upstream = &stats
	}
	return info
}
