package bridge

import (
	"context"
	"sync"

	"github.com/asheshgoplani/agent-ptyd/internal/safety"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// fakeManager holds sessions in memory. Writes are screened like the real
// managers and handed to onWrite, which may publish output.
type fakeManager struct {
	bus  *terminal.Bus
	mode terminal.Mode

	mu       sync.Mutex
	sessions map[string]terminal.Info
	writes   map[string][]string
	early    map[string][]byte
	onWrite  func(id string, data []byte)
	// onBuffered runs at the start of BufferedData, before the take.
	onBuffered func(id string)
}

func newFakeManager(mode terminal.Mode) *fakeManager {
	return &fakeManager{
		bus:      terminal.NewBus(),
		mode:     mode,
		sessions: make(map[string]terminal.Info),
		writes:   make(map[string][]string),
		early:    make(map[string][]byte),
	}
}

func (f *fakeManager) add(id, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = terminal.Info{ID: id, SessionID: sessionID, PID: 4242, Cols: 80, Rows: 24, Category: "shell", Alive: true}
}

func (f *fakeManager) emit(id string, data string) {
	f.mu.Lock()
	sid := f.sessions[id].SessionID
	f.mu.Unlock()
	f.bus.Publish(terminal.Event{Type: terminal.EventData, ID: id, SessionID: sid, Data: []byte(data)})
}

func (f *fakeManager) exit(id string, code int) {
	f.mu.Lock()
	info := f.sessions[id]
	delete(f.sessions, id)
	f.mu.Unlock()
	f.bus.Publish(terminal.Event{Type: terminal.EventExit, ID: id, SessionID: info.SessionID, ExitCode: code})
}

func (f *fakeManager) written(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes[id]...)
}

func (f *fakeManager) Create(context.Context, terminal.Spec) (*terminal.Created, error) {
	return nil, terminal.ErrClosed
}

func (f *fakeManager) Write(_ context.Context, id string, data []byte) error {
	if err := safety.Validate(string(data)); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.sessions[id]; !ok {
		f.mu.Unlock()
		return terminal.ErrSessionNotFound
	}
	f.writes[id] = append(f.writes[id], string(data))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(id, data)
	}
	return nil
}

func (f *fakeManager) Resize(context.Context, string, uint16, uint16) error { return nil }

func (f *fakeManager) Kill(context.Context, string) error { return nil }

func (f *fakeManager) List(context.Context) ([]terminal.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminal.Info, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeManager) BufferedData(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	hook := f.onBuffered
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, terminal.ErrSessionNotFound
	}
	data := f.early[id]
	delete(f.early, id)
	return data, nil
}

func (f *fakeManager) Resolve(_ context.Context, sessionOrID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionOrID]; ok {
		return sessionOrID, nil
	}
	for id, info := range f.sessions {
		if info.SessionID == sessionOrID {
			return id, nil
		}
	}
	return "", terminal.ErrSessionNotFound
}

func (f *fakeManager) Subscribe() (<-chan terminal.Event, func()) { return f.bus.Subscribe() }

func (f *fakeManager) Mode() terminal.Mode { return f.mode }

func (f *fakeManager) Close() error {
	f.bus.Close()
	return nil
}

type staticLeader string

func (l staticLeader) LeaderSessionID() string { return string(l) }

type staticSource map[string][]byte

func (s staticSource) Snapshot(id string) []byte { return s[id] }
