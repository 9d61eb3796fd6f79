package terminal

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/persist"
)

// DefaultFlushInterval is how often dirty scrollback is written to disk.
const DefaultFlushInterval = 15 * time.Second

// BufferSink persists a session's scrollback keyed by internal PTY id.
type BufferSink interface {
	SavePtyBuffer(ptyID string, data []byte) error
}

// Scrollback keeps the last LiveBufferCap bytes of every session and flushes
// them to a BufferSink on exit, periodically while dirty, and on Close.
type Scrollback struct {
	sink     BufferSink
	interval time.Duration

	mu   sync.Mutex
	bufs map[string]*tailBuffer

	cancel func()
	done   chan struct{}
	once   sync.Once
}

// NewScrollback starts tracking events from m.
func NewScrollback(m Manager, sink BufferSink, interval time.Duration) *Scrollback {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	events, cancel := m.Subscribe()
	sb := &Scrollback{
		sink:     sink,
		interval: interval,
		bufs:     make(map[string]*tailBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sb.run(events)
	return sb
}

func (sb *Scrollback) run(events <-chan Event) {
	defer close(sb.done)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				sb.flushAll()
				return
			}
			sb.handle(ev)
		case <-ticker.C:
			sb.flushAll()
		}
	}
}

func (sb *Scrollback) handle(ev Event) {
	switch ev.Type {
	case EventCreated:
		sb.buffer(ev.ID)
	case EventData:
		sb.buffer(ev.ID).Write(ev.Data)
	case EventExit:
		sb.mu.Lock()
		buf, ok := sb.bufs[ev.ID]
		delete(sb.bufs, ev.ID)
		sb.mu.Unlock()
		if ok {
			sb.flush(ev.ID, buf)
		}
	}
}

func (sb *Scrollback) buffer(id string) *tailBuffer {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	buf, ok := sb.bufs[id]
	if !ok {
		buf = newTailBuffer(LiveBufferCap)
		sb.bufs[id] = buf
	}
	return buf
}

// Snapshot returns the tracked scrollback for id.
func (sb *Scrollback) Snapshot(id string) []byte {
	sb.mu.Lock()
	buf, ok := sb.bufs[id]
	sb.mu.Unlock()
	if !ok {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	out := make([]byte, len(buf.buf))
	copy(out, buf.buf)
	return out
}

func (sb *Scrollback) flushAll() {
	sb.mu.Lock()
	pending := make(map[string]*tailBuffer, len(sb.bufs))
	for id, buf := range sb.bufs {
		pending[id] = buf
	}
	sb.mu.Unlock()
	for id, buf := range pending {
		sb.flush(id, buf)
	}
}

func (sb *Scrollback) flush(id string, buf *tailBuffer) {
	data, dirty := buf.Snapshot()
	if !dirty {
		return
	}
	if err := sb.sink.SavePtyBuffer(id, data); err != nil {
		if errors.Is(err, persist.ErrRecordNotFound) {
			return
		}
		termLog.Warn("scrollback_flush_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// Close stops tracking and flushes every dirty buffer.
func (sb *Scrollback) Close() {
	sb.once.Do(func() {
		sb.cancel()
		<-sb.done
	})
}
