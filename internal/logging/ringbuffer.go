package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it. It is an io.Writer
// that never fails and never grows.
type RingBuffer struct {
	mu      sync.Mutex
	data    []byte
	start   int // index of the oldest byte
	length  int
	wrapped bool // bytes have been overwritten since creation
}

// NewRingBuffer returns a ring holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultRingBytes
	}
	return &RingBuffer{data: make([]byte, size)}
}

func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.start, rb.length = 0, capacity
		rb.wrapped = true
		return n, nil
	}

	end := (rb.start + rb.length) % capacity
	first := copy(rb.data[end:], p)
	copy(rb.data, p[first:])

	rb.length += n
	if over := rb.length - capacity; over > 0 {
		rb.start = (rb.start + over) % capacity
		rb.length = capacity
		rb.wrapped = true
	}
	return n, nil
}

// Bytes returns the retained bytes oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.length)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.length, len(rb.data))])
	copy(out[n:], rb.data[:rb.length-n])
	return out
}

// Lines returns the retained bytes starting at the first complete line, so
// a dump after wrap-around parses as JSON lines.
func (rb *RingBuffer) Lines() []byte {
	out := rb.Bytes()
	rb.mu.Lock()
	wrapped := rb.wrapped
	rb.mu.Unlock()
	if !wrapped {
		return out
	}
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return nil
}

// DumpToFile writes Lines to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Lines(), 0o600)
}
