package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// FileDeviceID is the single device id exposed by a FileContext
const FileDeviceID = "file"

// fileFrameDuration is the pacing interval of file playback callbacks
const fileFrameDuration = 20 * time.Millisecond

// FileInfo describes a decoded WAV file
type FileInfo struct {
	SampleRate uint32        `json:"sample_rate"`
	Channels   uint32        `json:"channels"`
	BitDepth   uint16        `json:"bit_depth"`
	Frames     int           `json:"frames"`
	Duration   time.Duration `json:"duration"`
}

// FileContext plays a 16-bit PCM WAV file in real time as if it were a capture device
type FileContext struct {
	path string
	pcm  []byte
	info FileInfo
	loop bool
}

// NewFileContext decodes the WAV file at path. With loop set, playback restarts
// at the end of the file instead of going silent.
func NewFileContext(path string, loop bool) (*FileContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if decoder.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d, expected 16", decoder.BitDepth)
	}

	pcm := make([]byte, len(buf.Data)*BytesPerSample)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(int16(s)))
	}

	channels := uint32(decoder.NumChans)
	frames := len(buf.Data) / int(max(channels, 1))
	return &FileContext{
		path: path,
		pcm:  pcm,
		loop: loop,
		info: FileInfo{
			SampleRate: decoder.SampleRate,
			Channels:   channels,
			BitDepth:   decoder.BitDepth,
			Frames:     frames,
			Duration:   time.Duration(frames) * time.Second / time.Duration(max(decoder.SampleRate, 1)),
		},
	}, nil
}

// Info returns the decoded file format
func (f *FileContext) Info() FileInfo {
	return f.info
}

func (f *FileContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: FileDeviceID, Name: filepath.Base(f.path)}}, nil
}

func (f *FileContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate != f.info.SampleRate || config.Channels != f.info.Channels {
		return nil, fmt.Errorf("file is %d Hz/%d ch, capture wants %d Hz/%d ch",
			f.info.SampleRate, f.info.Channels, config.SampleRate, config.Channels)
	}
	frameBytes := int(f.info.Channels) * BytesPerSample
	return &fileCapture{
		pcm:        f.pcm,
		loop:       f.loop,
		blockBytes: ChunkSize(f.info.SampleRate, f.info.Channels, fileFrameDuration),
		frameBytes: frameBytes,
	}, nil
}

func (f *FileContext) Close() {}

type fileCapture struct {
	pcm        []byte
	loop       bool
	blockBytes int
	frameBytes int

	mu      sync.Mutex
	cb      DataCallback
	onError ErrorCallback
	stopCh  chan struct{}
	done   chan struct{}
}

func (c *fileCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *fileCapture) SetErrorCallback(cb ErrorCallback) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

func (c *fileCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.onError = nil
	c.mu.Unlock()
}

func (c *fileCapture) callback() DataCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *fileCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return nil
	}
	if len(c.pcm) == 0 {
		return fmt.Errorf("audio file contains no samples")
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.feed(c.stopCh, c.done)
	return nil
}

func (c *fileCapture) feed(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(fileFrameDuration)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if pos >= len(c.pcm) {
			if !c.loop {
				c.mu.Lock()
				onError := c.onError
				c.mu.Unlock()
				if onError != nil {
					onError(fmt.Errorf("%w: end of file", ErrDeviceStopped))
				}
				return
			}
			pos = 0
		}

		end := min(pos+c.blockBytes, len(c.pcm))
		block := make([]byte, end-pos)
		copy(block, c.pcm[pos:end])
		pos = end

		if cb := c.callback(); cb != nil {
			cb(block, uint32(len(block)/c.frameBytes))
		}
	}
}

func (c *fileCapture) Stop() {
	c.mu.Lock()
	stop, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *fileCapture) Close() {
	c.Stop()
}
