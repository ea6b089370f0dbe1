package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source emits fixed-size PCM chunks from one device until stopped
type Source interface {
	// Start begins delivering chunks to onChunk from a capture goroutine.
	// onError, if set, receives at most one *CaptureError when the device
	// fails after a successful start; it runs on its own goroutine.
	Start(onChunk func(chunk []byte), onError func(err error)) error
	// Stop halts delivery and releases the device. It is safe to call
	// without Start and more than once.
	Stop()
	DeviceID() string
}

// Provider resolves device ids against enumeration and opens Sources on them
type Provider struct {
	ctx       Context
	config    CaptureConfig
	chunkSize int
	logger    zerolog.Logger
}

// NewProvider creates a provider producing chunks of chunk duration
func NewProvider(ctx Context, config CaptureConfig, chunk time.Duration, logger zerolog.Logger) *Provider {
	return &Provider{
		ctx:       ctx,
		config:    config,
		chunkSize: ChunkSize(config.SampleRate, config.Channels, chunk),
		logger:    logger.With().Str("component", "audio").Logger(),
	}
}

// Devices enumerates available capture devices
func (p *Provider) Devices() ([]DeviceInfo, error) {
	return p.ctx.Devices()
}

// Resolve returns the device with the given id, or the first available device
// when id is empty
func (p *Provider) Resolve(id string) (DeviceInfo, error) {
	devices, err := p.ctx.Devices()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return DeviceInfo{}, ErrNoDevices
	}
	if id == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
}

// Open returns an unstarted Source on the resolved device
func (p *Provider) Open(id string) (Source, error) {
	device, err := p.Resolve(id)
	if err != nil {
		return nil, err
	}
	return &deviceSource{
		ctx:       p.ctx,
		device:    device,
		config:    p.config,
		chunkSize: p.chunkSize,
		logger:    p.logger.With().Str("device_id", device.ID).Logger(),
	}, nil
}

type deviceSource struct {
	ctx       Context
	device    DeviceInfo
	config    CaptureConfig
	chunkSize int
	logger    zerolog.Logger

	mu      sync.Mutex
	capture CaptureDevice
	chunker *Chunker
}

func (s *deviceSource) DeviceID() string {
	return s.device.ID
}

func (s *deviceSource) Start(onChunk func(chunk []byte), onError func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		return nil
	}

	device := s.device
	capture, err := s.ctx.NewCapture(&device, s.config)
	if err != nil {
		return &CaptureError{DeviceID: s.device.ID, Op: "open", Err: err}
	}

	chunker := NewChunker(s.chunkSize, onChunk)
	capture.SetCallback(chunker.Write)
	var failOnce sync.Once
	capture.SetErrorCallback(func(err error) {
		failOnce.Do(func() {
			s.logger.Error().Err(err).Msg("Audio capture failed")
			if onError != nil {
				// Off the audio thread: the handler stops this device
				go onError(&CaptureError{DeviceID: s.device.ID, Op: "read", Err: err})
			}
		})
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return &CaptureError{DeviceID: s.device.ID, Op: "start", Err: err}
	}

	s.capture = capture
	s.chunker = chunker
	s.logger.Info().
		Str("device_name", s.device.Name).
		Uint32("sample_rate", s.config.SampleRate).
		Int("chunk_bytes", s.chunkSize).
		Msg("Audio capture started")
	return nil
}

func (s *deviceSource) Stop() {
	s.mu.Lock()
	capture, chunker := s.capture, s.chunker
	s.capture, s.chunker = nil, nil
	s.mu.Unlock()

	if capture == nil {
		return
	}
	capture.ClearCallback()
	capture.Stop()
	capture.Close()
	chunker.Reset()

	stats := chunker.GetStats()
	s.logger.Info().
		Uint64("chunks", stats.ChunksEmitted).
		Uint64("bytes", stats.BytesEmitted).
		Msg("Audio capture stopped")
}
