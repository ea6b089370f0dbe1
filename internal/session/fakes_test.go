package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nutanix-japan/transcription-app/internal/audio"
	"github.com/nutanix-japan/transcription-app/internal/metrics"
	"github.com/nutanix-japan/transcription-app/internal/protocol"
	"github.com/nutanix-japan/transcription-app/internal/transcription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// fakeDialer hands out fakeLinks and tracks how many are open at once
type fakeDialer struct {
	mu       sync.Mutex
	links    []*fakeLink
	openErrs []error // consumed by successive Open calls
	block    chan struct{}
	open     int
	maxOpen  int
	created  chan *fakeLink
	panicAt  int // NewLink panics when creating this link index, zero disables
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{created: make(chan *fakeLink, 16)}
}

func (d *fakeDialer) Provider() string { return "fake" }

func (d *fakeDialer) NewLink(h transcription.Handler) transcription.Link {
	d.mu.Lock()
	if d.panicAt > 0 && len(d.links) == d.panicAt {
		d.mu.Unlock()
		panic("dialer bug")
	}
	l := &fakeLink{dialer: d, handler: h, index: len(d.links)}
	d.links = append(d.links, l)
	d.mu.Unlock()
	select {
	case d.created <- l:
	default:
	}
	return l
}

func (d *fakeDialer) linkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

type fakeLink struct {
	dialer  *fakeDialer
	handler transcription.Handler
	index   int

	mu     sync.Mutex
	opened bool
	closed int
	reject bool // Send refuses chunks, as a full queue does
	sent   [][]byte
}

func (l *fakeLink) Open(ctx context.Context) error {
	d := l.dialer
	d.mu.Lock()
	block := d.block
	var err error
	if len(d.openErrs) > 0 {
		err = d.openErrs[0]
		d.openErrs = d.openErrs[1:]
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return &transcription.ConnectError{Provider: "fake", Err: err}
	}

	l.mu.Lock()
	l.opened = true
	l.mu.Unlock()

	d.mu.Lock()
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()
	return nil
}

func (l *fakeLink) Send(chunk []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject {
		return false
	}
	l.sent = append(l.sent, chunk)
	return true
}

func (l *fakeLink) setReject(reject bool) {
	l.mu.Lock()
	l.reject = reject
	l.mu.Unlock()
}

// markDown transitions the link out of the open set exactly once
func (l *fakeLink) markDown() bool {
	l.mu.Lock()
	wasOpen := l.opened
	l.opened = false
	l.mu.Unlock()
	if wasOpen {
		l.dialer.mu.Lock()
		l.dialer.open--
		l.dialer.mu.Unlock()
	}
	return wasOpen
}

func (l *fakeLink) Close() {
	l.markDown()
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

// remoteClose simulates the upstream terminating the stream
func (l *fakeLink) remoteClose() {
	l.markDown()
	if l.handler.OnError != nil {
		l.handler.OnError(&transcription.StreamError{Provider: "fake", Err: errors.New("connection reset")})
	}
	if l.handler.OnClosed != nil {
		l.handler.OnClosed()
	}
}

func (l *fakeLink) transcript(text string) {
	l.handler.OnTranscript(text)
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) GetStats() transcription.LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return transcription.LinkStats{Provider: "fake", ChunksSent: uint64(len(l.sent))}
}

type translateCall struct {
	text   string
	target string
}

// fakeTranslator returns "<target>:<text>" unless results or errs say otherwise
type fakeTranslator struct {
	mu      sync.Mutex
	calls   []translateCall
	results map[string]string
	errs    []error // consumed by successive calls, nil entries succeed
	release chan struct{}
	entered chan struct{}
}

func (f *fakeTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, translateCall{text: text, target: target})
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	result, ok := f.results[text+"|"+target]
	release, entered := f.release, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	if !ok {
		result = target + ":" + text
	}
	return result, nil
}

func (f *fakeTranslator) callList() []translateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]translateCall(nil), f.calls...)
}

// fakeAudio opens fakeSources for a fixed device list
type fakeAudio struct {
	devices  []string
	startErr error

	mu      sync.Mutex
	sources []*fakeSource
}

func (a *fakeAudio) Open(id string) (audio.Source, error) {
	if len(a.devices) == 0 {
		return nil, audio.ErrNoDevices
	}
	if id == "" {
		id = a.devices[0]
	}
	found := false
	for _, d := range a.devices {
		if d == id {
			found = true
		}
	}
	if !found {
		return nil, audio.ErrUnknownDevice
	}
	src := &fakeSource{id: id, startErr: a.startErr}
	a.mu.Lock()
	a.sources = append(a.sources, src)
	a.mu.Unlock()
	return src, nil
}

func (a *fakeAudio) last() *fakeSource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sources[len(a.sources)-1]
}

type fakeSource struct {
	id       string
	startErr error

	mu      sync.Mutex
	onChunk func([]byte)
	onError func(error)
	stopped int
}

func (s *fakeSource) Start(onChunk func([]byte), onError func(error)) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.onChunk = onChunk
	s.onError = onError
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	s.onChunk = nil
}

// fail reports a device failure the way a started source does; unlike
// chunks, a failure reported after Stop still reaches the handler
func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	onError := s.onError
	s.mu.Unlock()
	if onError != nil {
		onError(&audio.CaptureError{DeviceID: s.id, Op: "read", Err: err})
	}
}

func (s *fakeSource) DeviceID() string { return s.id }

func (s *fakeSource) push(chunk []byte) {
	s.mu.Lock()
	cb := s.onChunk
	s.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeSink records events
type fakeSink struct {
	mu     sync.Mutex
	events []protocol.Event
	closed int
}

func (s *fakeSink) Emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSink) ofType(typ string) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeSink) statuses() []string {
	var out []string
	for _, ev := range s.ofType(protocol.EventStatus) {
		out = append(out, ev.Data)
	}
	return out
}

func (s *fakeSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type harness struct {
	manager    *Manager
	dialer     *fakeDialer
	translator *fakeTranslator
	audio      *fakeAudio
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = "ja"
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 20 * time.Millisecond
	}
	h := &harness{
		dialer:     newFakeDialer(),
		translator: &fakeTranslator{},
		audio:      &fakeAudio{devices: []string{"mic-1", "mic-2"}},
	}
	h.manager = NewManager(ManagerConfig{Session: config}, Deps{
		Dialer:     h.dialer,
		Translator: h.translator,
		Audio:      h.audio,
		Metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(h.manager.Stop)
	return h
}

// connect opens a session and waits until its first upstream link is open
func (h *harness) connect(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	s, err := h.manager.Open(sink)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "upstream connected", func() bool {
		return len(sink.statuses()) > 0
	})
	return s, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
