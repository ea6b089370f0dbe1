package audio

import (
	"sync"
	"time"
)

// Chunker re-slices arbitrary capture callbacks into fixed-size PCM chunks
type Chunker struct {
	size int
	emit func(chunk []byte)

	mu      sync.Mutex
	pending []byte

	// Statistics
	chunksEmitted uint64
	bytesEmitted  uint64
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	ChunkBytes    int    `json:"chunk_bytes"`
	PendingBytes  int    `json:"pending_bytes"`
	ChunksEmitted uint64 `json:"chunks_emitted"`
	BytesEmitted  uint64 `json:"bytes_emitted"`
}

// ChunkSize returns the byte length of d worth of 16-bit PCM, rounded down to
// a whole frame and never smaller than one frame
func ChunkSize(sampleRate, channels uint32, d time.Duration) int {
	frameBytes := int(channels) * BytesPerSample
	if frameBytes <= 0 {
		frameBytes = BytesPerSample
	}
	frames := int(time.Duration(sampleRate) * d / time.Second)
	if frames < 1 {
		frames = 1
	}
	return frames * frameBytes
}

// NewChunker creates a chunker that hands every complete chunk of size bytes to emit
func NewChunker(size int, emit func(chunk []byte)) *Chunker {
	if size <= 0 {
		size = BytesPerSample
	}
	return &Chunker{
		size:    size,
		emit:    emit,
		pending: make([]byte, 0, size*2),
	}
}

// Write appends captured PCM and emits every complete chunk in order.
// Its signature matches DataCallback so it can be installed directly.
func (c *Chunker) Write(data []byte, _ uint32) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, data...)
	var ready [][]byte
	for len(c.pending) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.pending[:c.size])
		ready = append(ready, chunk)
		c.pending = c.pending[c.size:]
	}
	// Compact so the backing array doesn't grow without bound
	if len(ready) > 0 {
		c.pending = append(make([]byte, 0, c.size*2), c.pending...)
	}
	c.chunksEmitted += uint64(len(ready))
	c.bytesEmitted += uint64(len(ready) * c.size)
	c.mu.Unlock()

	// Emit outside the lock; capture callbacks arrive on a single goroutine
	for _, chunk := range ready {
		c.emit(chunk)
	}
}

// Reset discards any partial chunk
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = c.pending[:0]
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChunkerStats{
		ChunkBytes:    c.size,
		PendingBytes:  len(c.pending),
		ChunksEmitted: c.chunksEmitted,
		BytesEmitted:  c.bytesEmitted,
	}
}
