package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTooManySessions is returned by Open when the session limit is reached
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrStopped is returned by Open once Stop has been called
	ErrStopped = errors.New("session manager stopped")
)

const defaultSummaryInterval = time.Minute

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         Config
	MaxSessions     int           // zero means unlimited
	SummaryInterval time.Duration // period of the active session summary log
}

// Manager manages all active client sessions
type Manager struct {
	sessions map[string]*Session
	stopped  bool
	mu       sync.RWMutex

	config ManagerConfig
	deps   Deps
	logger zerolog.Logger

	// Summary routine management
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts its summary routine
func NewManager(config ManagerConfig, deps Deps) *Manager {
	if config.SummaryInterval <= 0 {
		config.SummaryInterval = defaultSummaryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	deps.Logger = deps.Logger.With().Str("component", "session").Logger()

	m := &Manager{
		sessions: make(map[string]*Session),
		config:   config,
		deps:     deps,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go m.summaryRoutine()

	return m
}

// Open registers a session for a newly connected client and starts its
// pipeline. On a capture failure the client receives an error event, the
// session is closed and the *audio.CaptureError is returned.
func (m *Manager) Open(sink Sink) (*Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		m.logger.Warn().Int("max_sessions", m.config.MaxSessions).Msg("Rejecting client, session limit reached")
		return nil, ErrTooManySessions
	}
	s := newSession(m.ctx, uuid.NewString(), m.config.Session, m.deps, sink, m.remove)
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionOpened()
	m.logger.Info().Str("session_id", s.ID).Int("active_sessions", count).Msg("Created new session")

	if err := s.start(); err != nil {
		s.fail(err)
		return nil, err
	}
	return s, nil
}

// Get retrieves an active session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot of all active sessions
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Remove closes and deregisters a session
func (m *Manager) Remove(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.Close()
	return true
}

// remove deregisters a closed session
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info().Str("session_id", s.ID).Int("active_sessions", count).Msg("Session removed")
}

// Stop closes every session and stops the summary routine
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Stopping session manager...")

		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()

		sessions := m.All()
		for _, s := range sessions {
			s.Close()
		}

		m.cancel()
		<-m.done

		m.logger.Info().Int("closed_sessions", len(sessions)).Msg("Session manager stopped")
	})
}

// summaryRoutine periodically logs the active sessions
func (m *Manager) summaryRoutine() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.logSummary()
		}
	}
}

func (m *Manager) logSummary() {
	sessions := m.All()
	if len(sessions) == 0 {
		return
	}

	var bytesSent, transcripts, failures uint64
	connected := 0
	for _, s := range sessions {
		info := s.Info()
		bytesSent += info.AudioBytesSent
		transcripts += info.TranscriptsSent
		failures += info.TranslationFailures
		if info.UpstreamConnected {
			connected++
		}
	}

	m.logger.Info().
		Int("active_sessions", len(sessions)).
		Int("upstream_connected", connected).
		Uint64("audio_bytes_sent", bytesSent).
		Uint64("transcripts_sent", transcripts).
		Uint64("translation_failures", failures).
		Msg("Session summary")
}
