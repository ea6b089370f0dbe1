//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
)

// pulseWatchInterval is how often a running record stream is checked for failure
const pulseWatchInterval = 250 * time.Millisecond

type pulseContext struct {
	client *pulse.Client
}

// NewContext connects to the PulseAudio server
func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("transcription-relay"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	var source *pulse.Source
	if device != nil {
		s, err := p.client.SourceByID(device.ID)
		if err != nil {
			return nil, fmt.Errorf("pulse source %q: %w", device.ID, err)
		}
		source = s
	}
	return &pulseCapture{
		client: p.client,
		source: source,
		config: config,
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	source   *pulse.Source
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	onError  atomic.Pointer[ErrorCallback]

	mu     sync.Mutex
	stream *pulse.RecordStream
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return nil
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*BytesPerSample)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
		}
		(*cb)(data, uint32(len(buf)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
	}
	if c.source != nil {
		opts = append(opts, pulse.RecordSource(c.source))
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	stream.Start()
	c.stream = stream
	c.done = make(chan struct{})
	go c.watch(stream, c.done)
	return nil
}

// watch reports a stream that failed or was killed by the server, for
// example when its source is unplugged
func (c *pulseCapture) watch(stream *pulse.RecordStream, done <-chan struct{}) {
	ticker := time.NewTicker(pulseWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		err := stream.Error()
		if err == nil && !stream.Closed() {
			continue
		}
		if err == nil {
			err = ErrDeviceStopped
		}
		if cb := c.onError.Load(); cb != nil {
			(*cb)(fmt.Errorf("pulse record stream: %w", err))
		}
		return
	}
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	close(c.done)
	c.done = nil
	c.stream.Stop()
	c.stream.Close()
	c.stream = nil
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) SetErrorCallback(cb ErrorCallback) {
	c.onError.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
	c.onError.Store(nil)
}
