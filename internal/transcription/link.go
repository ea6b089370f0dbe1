package transcription

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Supported providers
const (
	ProviderDeepgram = "deepgram"
	ProviderAWS      = "aws"
)

const (
	defaultQueueSize      = 64
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 8 * time.Second
)

// ErrLinkClosed is returned by Open when the link was closed locally
var ErrLinkClosed = errors.New("link closed")

// Handler receives link events. All callbacks run on the link's receiver
// goroutine, in upstream order. Any of them may be nil.
type Handler struct {
	OnTranscript func(text string)
	OnError      func(err error)
	// OnClosed fires at most once, when the upstream stream ends on its own.
	// It never fires for a local Close.
	OnClosed func()
}

// Link is one upstream transcription stream
type Link interface {
	// Open connects the link and starts its pumps. Failures are *ConnectError.
	Open(ctx context.Context) error
	// Send queues a PCM chunk and reports whether it was accepted. Chunks
	// sent before Open completes, after Close, or while the queue is full
	// are dropped with a warning.
	Send(chunk []byte) bool
	// Close ends the stream. It is safe to call repeatedly and after OnClosed.
	Close()
	GetStats() LinkStats
}

// Dialer creates unopened links for one provider
type Dialer interface {
	NewLink(handler Handler) Link
	Provider() string
}

// LinkStats represents link statistics
type LinkStats struct {
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	ChunksSent    uint64    `json:"chunks_sent"`
	BytesSent     uint64    `json:"bytes_sent"`
	ChunksDropped uint64    `json:"chunks_dropped"`
	KeepAlives    uint64    `json:"keep_alives"`
	Finals        uint64    `json:"finals"`
}

// ConnectError reports a failure to open the upstream stream
type ConnectError struct {
	Provider string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect failed: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StreamError reports a failure of an open upstream stream
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// stream is the provider-specific half of a link
type stream interface {
	Send(ctx context.Context, pcm []byte) error
	KeepAlive(ctx context.Context) error
	// Recv blocks for the next upstream message and returns the final
	// transcripts it carries, possibly none
	Recv(ctx context.Context) ([]string, error)
	Close() error
}

// dialFunc opens a provider stream that lives until ctx is cancelled
type dialFunc func(ctx context.Context) (stream, error)

// errConnectTimeout is wrapped in a ConnectError when the handshake outlasts
// the connect timeout
var errConnectTimeout = errors.New("connect timeout")

type linkState int

const (
	linkIdle linkState = iota
	linkOpening
	linkOpen
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkOpening:
		return "opening"
	case linkOpen:
		return "open"
	case linkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type linkOptions struct {
	provider       string
	connectTimeout time.Duration
	keepAlive      time.Duration
	queueSize      int
}

// streamLink implements Link on top of a provider stream with one sender
// and one receiver goroutine
type streamLink struct {
	opts    linkOptions
	dial    dialFunc
	handler Handler
	logger  zerolog.Logger
	dropLog zerolog.Logger

	audioCh chan []byte

	mu     sync.Mutex
	state  linkState
	stream stream
	cancel context.CancelFunc
	stats  LinkStats

	closedOnce sync.Once
}

func newStreamLink(opts linkOptions, dial dialFunc, handler Handler, logger zerolog.Logger) *streamLink {
	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}
	if opts.queueSize <= 0 {
		opts.queueSize = defaultQueueSize
	}
	logger = logger.With().Str("provider", opts.provider).Logger()
	return &streamLink{
		opts:    opts,
		dial:    dial,
		handler: handler,
		logger:  logger,
		dropLog: logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
		audioCh: make(chan []byte, opts.queueSize),
		stats:   LinkStats{Provider: opts.provider},
	}
}

func (l *streamLink) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.state != linkIdle {
		state := l.state
		l.mu.Unlock()
		if state == linkClosed {
			return &ConnectError{Provider: l.opts.provider, Err: ErrLinkClosed}
		}
		return &ConnectError{Provider: l.opts.provider, Err: fmt.Errorf("link already %s", state)}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	l.state = linkOpening
	l.cancel = cancel
	l.mu.Unlock()

	st, err := l.dialWithTimeout(streamCtx, cancel)

	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		if st != nil {
			st.Close()
		}
		return &ConnectError{Provider: l.opts.provider, Err: ErrLinkClosed}
	}
	if err != nil {
		l.state = linkClosed
		l.mu.Unlock()
		cancel()
		return &ConnectError{Provider: l.opts.provider, Err: err}
	}
	l.state = linkOpen
	l.stream = st
	l.stats.ConnectedAt = time.Now()
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error { return l.runSender(gctx, st) })
	g.Go(func() error { return l.runReceiver(gctx, st) })
	go func() {
		err := g.Wait()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic in link close handler")
			}
		}()
		l.finish(err)
	}()

	l.logger.Info().Msg("Upstream link opened")
	return nil
}

// dialWithTimeout dials on the stream context, cancelling it if the
// handshake outlasts the connect timeout
func (l *streamLink) dialWithTimeout(streamCtx context.Context, cancel context.CancelFunc) (stream, error) {
	type dialResult struct {
		st  stream
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		st, err := l.dial(streamCtx)
		done <- dialResult{st: st, err: err}
	}()

	timer := time.NewTimer(l.opts.connectTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.st, r.err
	case <-timer.C:
		cancel()
		if r := <-done; r.st != nil {
			r.st.Close()
		}
		return nil, fmt.Errorf("%w after %v", errConnectTimeout, l.opts.connectTimeout)
	}
}

func (l *streamLink) Send(chunk []byte) bool {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state != linkOpen {
		l.recordDrop()
		l.dropLog.Warn().Str("state", state.String()).Int("bytes", len(chunk)).Msg("Dropping audio chunk, link not open")
		return false
	}

	select {
	case l.audioCh <- chunk:
		return true
	default:
		l.recordDrop()
		l.dropLog.Warn().Int("queue", cap(l.audioCh)).Msg("Dropping audio chunk, send queue full")
		return false
	}
}

func (l *streamLink) Close() {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return
	}
	wasOpen := l.state == linkOpen
	l.state = linkClosed
	st, cancel := l.stream, l.cancel
	l.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("Upstream close returned error")
		}
	}
	if cancel != nil {
		cancel()
	}
	if wasOpen {
		l.logger.Info().Msg("Upstream link closed")
	}
}

func (l *streamLink) GetStats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.stats
	stats.State = l.state.String()
	return stats
}

// recoverPump turns a panic in a pump, including one raised by a Handler
// callback, into the pump's error so the link terminates normally
func (l *streamLink) recoverPump(pump string, err *error) {
	if r := recover(); r != nil {
		l.logger.Error().
			Interface("panic", r).
			Str("pump", pump).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic in upstream pump")
		*err = fmt.Errorf("%s panic: %v", pump, r)
	}
}

func (l *streamLink) runSender(ctx context.Context, st stream) (err error) {
	defer l.recoverPump("sender", &err)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if l.opts.keepAlive > 0 {
		ticker = time.NewTicker(l.opts.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastSend := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-l.audioCh:
			if err := st.Send(ctx, chunk); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
			lastSend = time.Now()
			l.mu.Lock()
			l.stats.ChunksSent++
			l.stats.BytesSent += uint64(len(chunk))
			l.mu.Unlock()
		case <-tick:
			// Muted sessions send nothing; keep the upstream from timing out
			if time.Since(lastSend) < l.opts.keepAlive {
				continue
			}
			if err := st.KeepAlive(ctx); err != nil {
				return fmt.Errorf("send keepalive: %w", err)
			}
			lastSend = time.Now()
			l.mu.Lock()
			l.stats.KeepAlives++
			l.mu.Unlock()
		}
	}
}

func (l *streamLink) runReceiver(ctx context.Context, st stream) (err error) {
	defer l.recoverPump("receiver", &err)

	for {
		finals, err := st.Recv(ctx)
		if err != nil {
			return err
		}
		for _, text := range finals {
			l.mu.Lock()
			l.stats.Finals++
			l.mu.Unlock()
			if l.handler.OnTranscript != nil {
				l.handler.OnTranscript(text)
			}
		}
	}
}

// finish runs once both pumps have exited
func (l *streamLink) finish(err error) {
	l.mu.Lock()
	local := l.state == linkClosed
	l.state = linkClosed
	st, cancel := l.stream, l.cancel
	l.mu.Unlock()

	if local {
		return
	}

	// Remote or stream termination
	if st != nil {
		st.Close()
	}
	if cancel != nil {
		cancel()
	}
	if err == nil {
		err = errors.New("stream ended")
	}
	l.logger.Warn().Err(err).Msg("Upstream link terminated")

	l.closedOnce.Do(func() {
		if l.handler.OnError != nil {
			l.handler.OnError(&StreamError{Provider: l.opts.provider, Err: err})
		}
		if l.handler.OnClosed != nil {
			l.handler.OnClosed()
		}
	})
}

func (l *streamLink) recordDrop() {
	l.mu.Lock()
	l.stats.ChunksDropped++
	l.mu.Unlock()
}
