package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it, up to a fixed limit.
type RingBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func NewRingBuffer(limit int) *RingBuffer {
	if limit <= 0 {
		limit = 4 * 1024 * 1024
	}
	return &RingBuffer{limit: limit, data: make([]byte, 0, limit)}
}

func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= rb.limit {
		rb.data = append(rb.data[:0], p[n-rb.limit:]...)
		return n, nil
	}
	if overflow := len(rb.data) + n - rb.limit; overflow > 0 {
		// shift left in place; capacity stays at limit
		copy(rb.data, rb.data[overflow:])
		rb.data = rb.data[:len(rb.data)-overflow]
	}
	rb.data = append(rb.data, p...)
	return n, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
