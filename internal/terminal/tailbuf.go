package terminal

import "sync"

// tailBuffer accumulates bytes and keeps only the most recent max bytes.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []byte
	dirty bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		t.dirty = true
		return
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	t.dirty = true
}

// Take returns the contents and empties the buffer.
func (t *tailBuffer) Take() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.buf
	t.buf = nil
	t.dirty = false
	return out
}

// Snapshot returns a copy of the contents and clears the dirty flag.
func (t *tailBuffer) Snapshot() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	dirty := t.dirty
	t.dirty = false
	return out, dirty
}

func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
