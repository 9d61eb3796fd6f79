package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/persist"
	"github.com/asheshgoplani/agent-ptyd/internal/safety"
)

const (
	readChunkSize = 32 * 1024

	// lateDataGrace bounds how long exit handling waits for the reader to
	// drain output written just before the process exited.
	lateDataGrace = 500 * time.Millisecond

	killGrace = 3 * time.Second
)

// EmbeddedOptions configures an in-process manager.
type EmbeddedOptions struct {
	// Store receives a session record for every created session. Optional.
	Store *persist.Store
	// BridgeURL is injected as PTYD_BRIDGE_URL unless Spec.Env sets it.
	BridgeURL string
	// Shell is used when Spec.Command is empty.
	Shell string
	// DefaultCwd is the working directory for sessions created without one.
	DefaultCwd   string
	BufferWindow time.Duration
	BufferCap    int
}

// Embedded owns PTY processes directly.
type Embedded struct {
	opts EmbeddedOptions
	bus  *Bus

	mu        sync.Mutex
	sessions  map[string]*embeddedSession
	bySession map[string]string
	closed    bool
}

type embeddedSession struct {
	info Info

	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	early       *tailBuffer
	bufferMu    sync.Mutex
	buffering   bool
	bufferTimer *time.Timer

	readDone chan struct{}
	exited   chan struct{}
}

// NewEmbedded returns an embedded manager.
func NewEmbedded(opts EmbeddedOptions) *Embedded {
	if opts.BufferWindow <= 0 {
		opts.BufferWindow = BufferWindow
	}
	if opts.BufferCap <= 0 {
		opts.BufferCap = LiveBufferCap
	}
	if opts.Shell == "" {
		opts.Shell = defaultShell()
	}
	return &Embedded{
		opts:      opts,
		bus:       NewBus(),
		sessions:  make(map[string]*embeddedSession),
		bySession: make(map[string]string),
	}
}

func (m *Embedded) Mode() Mode { return ModeEmbedded }

func (m *Embedded) Subscribe() (<-chan Event, func()) { return m.bus.Subscribe() }

// Create spawns spec.Command in a new PTY.
func (m *Embedded) Create(ctx context.Context, spec Spec) (*Created, error) {
	command := spec.Command
	if command == "" {
		command = m.opts.Shell
	}
	line := safety.CommandLine(command, spec.Args)
	if err := safety.Validate(line); err != nil {
		termLog.Warn("create_blocked", slog.String("command", line), slog.String("error", err.Error()))
		return nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if spec.Cwd == "" {
		spec.Cwd = m.opts.DefaultCwd
	}
	category := DetectCategory(line)
	sessionID := NewSessionID(category)
	id := newInternalID()
	cols, rows := normalizeSize(spec.Cols, spec.Rows)

	cmd := exec.Command(command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = m.buildEnv(sessionID, spec.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty for %q: %w", command, err)
	}

	s := &embeddedSession{
		info: Info{
			ID:        id,
			SessionID: sessionID,
			PID:       cmd.Process.Pid,
			Cols:      cols,
			Rows:      rows,
			Cwd:       spec.Cwd,
			Command:   line,
			Category:  category,
			Title:     spec.Title,
			Owner:     spec.Owner,
			Alive:     true,
			CreatedAt: time.Now(),
		},
		cmd:       cmd,
		ptmx:      ptmx,
		early:     newTailBuffer(m.opts.BufferCap),
		buffering: true,
		readDone:  make(chan struct{}),
		exited:    make(chan struct{}),
	}
	s.bufferTimer = time.AfterFunc(m.opts.BufferWindow, s.stopBuffering)

	m.mu.Lock()
	m.sessions[id] = s
	m.bySession[sessionID] = id
	m.mu.Unlock()

	m.persistRecord(s)

	termLog.Info("session_created",
		slog.String("id", id),
		slog.String("session_id", sessionID),
		slog.Int("pid", s.info.PID),
		slog.String("category", category))

	info := s.info
	m.bus.Publish(Event{Type: EventCreated, ID: id, SessionID: sessionID, Info: &info})

	// Readers start after the created event so subscribers see it first.
	go m.readLoop(s)
	go m.waitLoop(s)

	return &Created{ID: id, SessionID: sessionID, PID: s.info.PID, Category: category}, nil
}

func (m *Embedded) buildEnv(sessionID string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color", EnvSessionID+"="+sessionID)
	if _, ok := extra[EnvBridgeURL]; !ok && m.opts.BridgeURL != "" {
		env = append(env, EnvBridgeURL+"="+m.opts.BridgeURL)
	}
	for k, v := range extra {
		if k == EnvSessionID {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func (m *Embedded) persistRecord(s *embeddedSession) {
	if m.opts.Store == nil {
		return
	}
	title := s.info.Title
	if title == "" {
		title = s.info.SessionID
	}
	m.opts.Store.SaveSession(persist.Record{
		ID:           s.info.ID,
		Title:        title,
		PtyID:        s.info.ID,
		SessionID:    s.info.SessionID,
		Mode:         string(ModeEmbedded),
		OwnerAgentID: s.info.Owner.AgentID,
	})
}

func (s *embeddedSession) stopBuffering() {
	s.bufferMu.Lock()
	s.buffering = false
	s.bufferMu.Unlock()
}

func (m *Embedded) readLoop(s *embeddedSession) {
	defer close(s.readDone)
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.bufferMu.Lock()
			if s.buffering {
				s.early.Write(chunk)
			}
			s.bufferMu.Unlock()

			logging.Aggregate(logging.CompTerminal, "data_chunk", slog.String("id", s.info.ID))
			m.bus.Publish(Event{Type: EventData, ID: s.info.ID, SessionID: s.info.SessionID, Data: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				termLog.Debug("pty_read_ended", slog.String("id", s.info.ID), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (m *Embedded) waitLoop(s *embeddedSession) {
	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	select {
	case <-s.readDone:
	case <-time.After(lateDataGrace):
	}
	_ = s.ptmx.Close()
	select {
	case <-s.readDone:
	case <-time.After(lateDataGrace):
	}
	s.bufferTimer.Stop()

	// Mapping removal and exit publication happen under the same lock so no
	// caller can resolve the id after exit is queued.
	m.mu.Lock()
	delete(m.sessions, s.info.ID)
	if m.bySession[s.info.SessionID] == s.info.ID {
		delete(m.bySession, s.info.SessionID)
	}
	m.bus.Publish(Event{Type: EventExit, ID: s.info.ID, SessionID: s.info.SessionID, ExitCode: exitCode})
	m.mu.Unlock()
	close(s.exited)

	termLog.Info("session_exited", slog.String("id", s.info.ID), slog.Int("exit_code", exitCode))
}

func (m *Embedded) lookup(id string) (*embeddedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Resolve accepts an internal id or a session id.
func (m *Embedded) Resolve(_ context.Context, sessionOrID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionOrID]; ok {
		return sessionOrID, nil
	}
	if id, ok := m.bySession[sessionOrID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionOrID)
}

// Write screens data with the safety filter and forwards it verbatim.
func (m *Embedded) Write(_ context.Context, id string, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := safety.Validate(string(data)); err != nil {
		termLog.Warn("write_blocked", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", id, err)
	}
	return nil
}

func (m *Embedded) Resize(_ context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.info.Cols, s.info.Rows = cols, rows
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the session's process group. The exit event follows from
// the wait loop.
func (m *Embedded) Kill(_ context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	terminate(s.cmd)
	go func() {
		select {
		case <-s.exited:
		case <-time.After(killGrace):
			termLog.Warn("kill_escalated", slog.String("id", id))
			forceKill(s.cmd)
		}
	}()
	return nil
}

func (m *Embedded) List(_ context.Context) ([]Info, error) {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.Unlock()
	sortInfos(out)
	return out, nil
}

func sortInfos(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
}

func (m *Embedded) BufferedData(_ context.Context, id string) ([]byte, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.early.Take(), nil
}

// Close kills every session and waits briefly for their exits.
func (m *Embedded) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*embeddedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		terminate(s.cmd)
	}
	deadline := time.After(killGrace)
	for _, s := range sessions {
		select {
		case <-s.exited:
		case <-deadline:
			forceKill(s.cmd)
		}
	}
	m.bus.Close()
	return nil
}
