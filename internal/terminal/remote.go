package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/persist"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/safety"
)

// RemoteOptions configures a daemon-backed manager.
type RemoteOptions struct {
	Store     *persist.Store
	BridgeURL string
	// DefaultCwd is sent to the daemon when Spec.Cwd is empty.
	DefaultCwd string
}

// Remote delegates to a daemon over a ptyd.Client. The daemon's terminal id
// is the session id, so there is no local id table.
type Remote struct {
	client *ptyd.Client
	opts   RemoteOptions
	bus    *Bus

	mu     sync.Mutex
	known  map[string]Info
	closed bool
}

// NewRemote wires a manager onto client. The client should already be
// connected; subscriptions are re-established on every reconnect.
func NewRemote(ctx context.Context, client *ptyd.Client, opts RemoteOptions) (*Remote, error) {
	m := &Remote{
		client: client,
		opts:   opts,
		bus:    NewBus(),
		known:  make(map[string]Info),
	}
	client.OnNotification(m.handleNotification)
	client.OnConnect(func() {
		subCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.subscribeAll(subCtx); err != nil {
			termLog.Warn("resubscribe_failed", slog.String("error", err.Error()))
		}
	})
	if err := m.subscribeAll(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Remote) subscribeAll(ctx context.Context) error {
	if err := m.client.Call(ctx, ptyd.MethodSubscribe, ptyd.IDParams{ID: ptyd.SubscribeAll}, nil); err != nil {
		return fmt.Errorf("subscribe to daemon: %w", err)
	}
	// Refresh the cache so exits that happened while disconnected are seen.
	live, err := m.List(ctx)
	if err != nil {
		return err
	}
	if m.opts.Store != nil {
		// Records surviving a reconnect are still in use.
		for _, info := range live {
			m.opts.Store.Touch(info.ID)
		}
	}
	return nil
}

func (m *Remote) Mode() Mode { return ModeDaemon }

func (m *Remote) Subscribe() (<-chan Event, func()) { return m.bus.Subscribe() }

func (m *Remote) handleNotification(method string, params json.RawMessage) {
	switch method {
	case ptyd.NotifyData:
		var n ptyd.DataNotification
		if err := json.Unmarshal(params, &n); err != nil {
			termLog.Warn("bad_data_notification", slog.String("error", err.Error()))
			return
		}
		m.bus.Publish(Event{Type: EventData, ID: n.ID, SessionID: n.ID, Data: n.Data})
	case ptyd.NotifyExit:
		var n ptyd.ExitNotification
		if err := json.Unmarshal(params, &n); err != nil {
			termLog.Warn("bad_exit_notification", slog.String("error", err.Error()))
			return
		}
		m.mu.Lock()
		delete(m.known, n.ID)
		m.bus.Publish(Event{Type: EventExit, ID: n.ID, SessionID: n.ID, ExitCode: n.ExitCode})
		m.mu.Unlock()
	}
}

func mapRemoteErr(id string, err error) error {
	if errors.Is(err, ptyd.ErrRemoteNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

func (m *Remote) Create(ctx context.Context, spec Spec) (*Created, error) {
	line := safety.CommandLine(spec.Command, spec.Args)
	if spec.Command != "" {
		if err := safety.Validate(line); err != nil {
			termLog.Warn("create_blocked", slog.String("command", line), slog.String("error", err.Error()))
			return nil, err
		}
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if _, ok := env[EnvBridgeURL]; !ok && m.opts.BridgeURL != "" {
		env[EnvBridgeURL] = m.opts.BridgeURL
	}
	cols, rows := normalizeSize(spec.Cols, spec.Rows)
	if spec.Cwd == "" {
		spec.Cwd = m.opts.DefaultCwd
	}

	var res ptyd.CreateResult
	err := m.client.Call(ctx, ptyd.MethodCreate, ptyd.CreateParams{
		Command: spec.Command,
		Args:    spec.Args,
		Cwd:     spec.Cwd,
		Env:     env,
		Cols:    cols,
		Rows:    rows,
		Title:   spec.Title,
		Owner:   toWireOwner(spec.Owner),
	}, &res)
	if err != nil {
		return nil, err
	}

	category := res.Category
	if category == "" {
		category = DetectCategory(line)
	}
	info := Info{
		ID:        res.ID,
		SessionID: res.ID,
		PID:       res.PID,
		Cols:      cols,
		Rows:      rows,
		Cwd:       spec.Cwd,
		Command:   line,
		Category:  category,
		Title:     spec.Title,
		Owner:     spec.Owner,
		Alive:     true,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.known[res.ID] = info
	m.mu.Unlock()

	if m.opts.Store != nil {
		title := spec.Title
		if title == "" {
			title = res.ID
		}
		m.opts.Store.SaveSession(persist.Record{
			ID:           res.ID,
			Title:        title,
			PtyID:        res.ID,
			SessionID:    res.ID,
			Mode:         string(ModeDaemon),
			OwnerAgentID: spec.Owner.AgentID,
		})
	}

	termLog.Info("session_created", slog.String("id", res.ID), slog.Int("pid", res.PID), slog.String("mode", string(ModeDaemon)))
	m.bus.Publish(Event{Type: EventCreated, ID: res.ID, SessionID: res.ID, Info: &info})
	return &Created{ID: res.ID, SessionID: res.ID, PID: res.PID, Category: category}, nil
}

func (m *Remote) Write(ctx context.Context, id string, data []byte) error {
	if err := safety.Validate(string(data)); err != nil {
		termLog.Warn("write_blocked", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}
	return mapRemoteErr(id, m.client.Call(ctx, ptyd.MethodWrite, ptyd.WriteParams{ID: id, Data: data}, nil))
}

func (m *Remote) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	err := m.client.Call(ctx, ptyd.MethodResize, ptyd.ResizeParams{ID: id, Cols: cols, Rows: rows}, nil)
	if err != nil {
		return mapRemoteErr(id, err)
	}
	m.mu.Lock()
	if info, ok := m.known[id]; ok {
		info.Cols, info.Rows = cols, rows
		m.known[id] = info
	}
	m.mu.Unlock()
	return nil
}

func (m *Remote) Kill(ctx context.Context, id string) error {
	return mapRemoteErr(id, m.client.Call(ctx, ptyd.MethodKill, ptyd.IDParams{ID: id}, nil))
}

// List asks the daemon and refreshes the local metadata cache.
func (m *Remote) List(ctx context.Context) ([]Info, error) {
	var res ptyd.ListResult
	if err := m.client.Call(ctx, ptyd.MethodList, nil, &res); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(res.Terminals))
	fresh := make(map[string]Info, len(res.Terminals))
	for _, t := range res.Terminals {
		info := fromWireInfo(t)
		fresh[info.ID] = info
		out = append(out, info)
	}
	m.mu.Lock()
	m.known = fresh
	m.mu.Unlock()
	sortInfos(out)
	return out, nil
}

func (m *Remote) BufferedData(ctx context.Context, id string) ([]byte, error) {
	var res ptyd.BufferedResult
	if err := m.client.Call(ctx, ptyd.MethodGetBufferedData, ptyd.IDParams{ID: id}, &res); err != nil {
		return nil, mapRemoteErr(id, err)
	}
	return res.Data, nil
}

// Resolve checks the id against the daemon; ids and session ids coincide.
func (m *Remote) Resolve(ctx context.Context, sessionOrID string) (string, error) {
	m.mu.Lock()
	_, ok := m.known[sessionOrID]
	m.mu.Unlock()
	if ok {
		return sessionOrID, nil
	}
	var info ptyd.TerminalInfo
	if err := m.client.Call(ctx, ptyd.MethodGet, ptyd.IDParams{ID: sessionOrID}, &info); err != nil {
		return "", mapRemoteErr(sessionOrID, err)
	}
	m.mu.Lock()
	m.known[info.ID] = fromWireInfo(info)
	m.mu.Unlock()
	return info.ID, nil
}

// History returns the daemon's terminal ledger.
func (m *Remote) History(ctx context.Context, limit int) ([]ptyd.HistoryEntry, error) {
	var res ptyd.HistoryResult
	if err := m.client.Call(ctx, ptyd.MethodHistory, ptyd.HistoryParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Close unsubscribes and closes the bus. Daemon-hosted terminals keep
// running.
func (m *Remote) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Call(ctx, ptyd.MethodUnsubscribe, ptyd.IDParams{ID: ptyd.SubscribeAll}, nil); err != nil {
		termLog.Debug("unsubscribe_failed", slog.String("error", err.Error()))
	}
	m.bus.Close()
	return nil
}

func toWireOwner(o Owner) ptyd.Owner {
	return ptyd.Owner{AgentID: o.AgentID, SessionID: o.SessionID, Role: string(o.Role), Label: o.Label}
}

func fromWireOwner(o ptyd.Owner) Owner {
	return Owner{AgentID: o.AgentID, SessionID: o.SessionID, Role: Role(o.Role), Label: o.Label}
}

// ToWireInfo converts a session snapshot to its daemon representation, using
// the session id as the wire id.
func ToWireInfo(info Info) ptyd.TerminalInfo {
	return ptyd.TerminalInfo{
		ID:        info.SessionID,
		PID:       info.PID,
		Cols:      info.Cols,
		Rows:      info.Rows,
		Cwd:       info.Cwd,
		Command:   info.Command,
		Category:  info.Category,
		Title:     info.Title,
		Owner:     toWireOwner(info.Owner),
		Alive:     info.Alive,
		CreatedAt: info.CreatedAt,
	}
}

// SpecFromWire converts create params to a Spec.
func SpecFromWire(p ptyd.CreateParams) Spec {
	return Spec{
		Command: p.Command,
		Args:    p.Args,
		Cwd:     p.Cwd,
		Env:     p.Env,
		Cols:    p.Cols,
		Rows:    p.Rows,
		Title:   p.Title,
		Owner:   fromWireOwner(p.Owner),
	}
}

func fromWireInfo(t ptyd.TerminalInfo) Info {
	return Info{
		ID:        t.ID,
		SessionID: t.ID,
		PID:       t.PID,
		Cols:      t.Cols,
		Rows:      t.Rows,
		Cwd:       t.Cwd,
		Command:   t.Command,
		Category:  t.Category,
		Title:     t.Title,
		Owner:     fromWireOwner(t.Owner),
		Alive:     t.Alive,
		CreatedAt: t.CreatedAt,
	}
}
