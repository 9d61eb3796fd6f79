package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// fakeManager is an in-memory terminal.Manager.
type fakeManager struct {
	bus *terminal.Bus

	mu       sync.Mutex
	seq      int
	sessions map[string]terminal.Info
	specs    []terminal.Spec
	killed   []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{bus: terminal.NewBus(), sessions: make(map[string]terminal.Info)}
}

func (f *fakeManager) Create(_ context.Context, spec terminal.Spec) (*terminal.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("pty-%d", f.seq)
	sid := fmt.Sprintf("shell-%08x", f.seq)
	f.sessions[id] = terminal.Info{ID: id, SessionID: sid, PID: 1000 + f.seq, Category: "shell", Owner: spec.Owner, Alive: true}
	f.specs = append(f.specs, spec)
	return &terminal.Created{ID: id, SessionID: sid, PID: 1000 + f.seq, Category: "shell"}, nil
}

func (f *fakeManager) Write(context.Context, string, []byte) error { return nil }

func (f *fakeManager) Resize(_ context.Context, id string, _, _ uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return terminal.ErrSessionNotFound
	}
	return nil
}

func (f *fakeManager) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	info, ok := f.sessions[id]
	if ok {
		delete(f.sessions, id)
		f.killed = append(f.killed, id)
	}
	f.mu.Unlock()
	if !ok {
		return terminal.ErrSessionNotFound
	}
	f.bus.Publish(terminal.Event{Type: terminal.EventExit, ID: id, SessionID: info.SessionID})
	return nil
}

func (f *fakeManager) List(context.Context) ([]terminal.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminal.Info, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeManager) BufferedData(context.Context, string) ([]byte, error) { return nil, nil }

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

func (f *fakeManager) Mode() terminal.Mode { return terminal.ModeEmbedded }

func (f *fakeManager) Close() error {
	f.bus.Close()
	return nil
}

func (f *fakeManager) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *fakeManager) lastSpec() terminal.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

// fakeRegistry counts calls per path and answers with queued statuses.
type fakeRegistry struct {
	t      *testing.T
	secret string

	mu       sync.Mutex
	calls    map[string]int
	statuses map[string][]int
	bodies   map[string][]map[string]any
	agentIDs []string
}

func newFakeRegistry(t *testing.T, secret string) (*fakeRegistry, *httptest.Server) {
	f := &fakeRegistry{
		t:        t,
		secret:   secret,
		calls:    make(map[string]int),
		statuses: make(map[string][]int),
		bodies:   make(map[string][]map[string]any),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get(SecretHeader); got != f.secret {
		f.t.Errorf("%s: secret header = %q", r.URL.Path, got)
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	if id := r.URL.Query().Get("agent_id"); id != "" {
		f.agentIDs = append(f.agentIDs, id)
	}
	status := http.StatusOK
	if q := f.statuses[r.URL.Path]; len(q) > 0 {
		status = q[0]
		if len(q) > 1 {
			f.statuses[r.URL.Path] = q[1:]
		}
	}
	f.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{}`))
}

// respond queues statuses for path; the last one repeats.
func (f *fakeRegistry) respond(path string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[path] = statuses
}

func (f *fakeRegistry) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeRegistry) lastBody(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}
