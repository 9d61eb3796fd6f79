// Package server hosts PTYs for ptyd clients over the line-delimited
// JSON-RPC protocol.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/statedb"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

const (
	// LedgerRetention bounds how long ended terminals stay in the ledger.
	LedgerRetention = 7 * 24 * time.Hour

	heartbeatInterval  = 15 * time.Second
	clientWriteTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr    string
	Manager terminal.Manager
	// PIDFile guards against a second daemon. Optional.
	PIDFile string
	// Ledger records terminal lifecycles. Optional.
	Ledger  *statedb.Ledger
	Version string
}

// Server accepts client connections and routes requests to the manager.
// Each connection receives notifications for the terminals it subscribed to.
type Server struct {
	opts Options
	mgr  terminal.Manager

	listener net.Listener

	mu    sync.Mutex
	conns map[*clientConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

type clientConn struct {
	id   int
	conn net.Conn

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]bool
}

// New returns an unstarted server.
func New(opts Options) *Server {
	return &Server{
		opts:  opts,
		mgr:   opts.Manager,
		conns: make(map[*clientConn]struct{}),
	}
}

// Start acquires the pidfile, reconciles the ledger, and begins accepting.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.PIDFile != "" {
		if err := AcquirePIDFile(s.opts.PIDFile); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		if s.opts.PIDFile != "" {
			_ = ReleasePIDFile(s.opts.PIDFile)
		}
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.Ledger != nil {
		s.reconcileLedger()
	}

	events, unsubscribe := s.mgr.Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.pumpEvents(events)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptConnections()
	}()
	if s.opts.Ledger != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.heartbeatLoop()
		}()
	}

	daemonLog.Info("daemon_listening", slog.String("addr", ln.Addr().String()), slog.Int("pid", os.Getpid()))
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Done is closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Server) reconcileLedger() {
	now := time.Now()
	if n, err := s.opts.Ledger.CloseOrphans(now); err != nil {
		daemonLog.Warn("ledger_orphans_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		daemonLog.Info("ledger_orphans_closed", slog.Int64("count", n))
	}
	if n, err := s.opts.Ledger.Prune(now.Add(-LedgerRetention)); err != nil {
		daemonLog.Warn("ledger_prune_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		daemonLog.Info("ledger_pruned", slog.Int64("count", n))
	}
	if n, err := s.opts.Ledger.ReapDaemons(3 * heartbeatInterval); err == nil && n > 0 {
		daemonLog.Info("ledger_stale_daemons_reaped", slog.Int64("count", n))
	}
	if n, err := s.opts.Ledger.LiveDaemons(3 * heartbeatInterval); err == nil && n > 0 {
		daemonLog.Warn("ledger_other_daemon_alive", slog.Int("count", n))
	}
	if err := s.opts.Ledger.Register(s.Addr()); err != nil {
		daemonLog.Warn("ledger_register_failed", slog.String("error", err.Error()))
	}
	_ = s.opts.Ledger.SetMeta("last_start", now.UTC().Format(time.RFC3339))
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.opts.Ledger.Beat(); err != nil {
				daemonLog.Debug("ledger_heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Server) acceptConnections() {
	nextID := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			daemonLog.Warn("accept_error", slog.String("error", err.Error()))
			continue
		}
		nextID++
		c := &clientConn{id: nextID, conn: conn, subs: make(map[string]bool)}

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		daemonLog.Debug("client_connected", slog.Int("client", c.id), slog.String("remote", conn.RemoteAddr().String()))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(c)
		}()
	}
}

func (s *Server) handleClient(c *clientConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.conn.Close()
		daemonLog.Debug("client_disconnected", slog.Int("client", c.id))
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), ptyd.MaxFrameBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req ptyd.Request
		if err := json.Unmarshal(line, &req); err != nil {
			daemonLog.Warn("invalid_request", slog.Int("client", c.id), slog.String("error", err.Error()))
			continue
		}
		result, rpcErr := s.dispatch(c, &req)
		resp := ptyd.Response{ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &ptyd.RPCError{Message: err.Error(), Code: ptyd.CodeInternal}
			} else {
				resp.Result = raw
			}
		}
		if err := c.send(resp); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		daemonLog.Debug("client_read_error", slog.Int("client", c.id), slog.String("error", err.Error()))
	}
}

func (c *clientConn) send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	_, err = c.conn.Write(line)
	return err
}

func (c *clientConn) subscribed(id string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[ptyd.SubscribeAll] || c.subs[id]
}

func (s *Server) pumpEvents(events <-chan terminal.Event) {
	for ev := range events {
		switch ev.Type {
		case terminal.EventCreated:
			if s.opts.Ledger != nil && ev.Info != nil {
				err := s.opts.Ledger.RecordStart(&statedb.TerminalRow{
					ID:        ev.SessionID,
					PID:       ev.Info.PID,
					Command:   ev.Info.Command,
					Category:  ev.Info.Category,
					Cwd:       ev.Info.Cwd,
					OwnerID:   ev.Info.Owner.AgentID,
					StartedAt: ev.Info.CreatedAt,
				})
				if err != nil {
					daemonLog.Warn("ledger_write_failed", slog.String("error", err.Error()))
				}
			}
		case terminal.EventData:
			s.broadcast(ev.SessionID, ptyd.NotifyData, ptyd.DataNotification{ID: ev.SessionID, Data: ev.Data})
		case terminal.EventExit:
			if s.opts.Ledger != nil {
				if err := s.opts.Ledger.RecordExit(ev.SessionID, ev.ExitCode, time.Now()); err != nil {
					daemonLog.Warn("ledger_write_failed", slog.String("error", err.Error()))
				}
			}
			s.broadcast(ev.SessionID, ptyd.NotifyExit, ptyd.ExitNotification{ID: ev.SessionID, ExitCode: ev.ExitCode})
		}
	}
}

func (s *Server) broadcast(id, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	note := ptyd.Notification{JSONRPC: ptyd.JSONRPCVersion, Method: method, Params: raw}

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if c.subscribed(id) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(note); err != nil {
			daemonLog.Debug("notify_failed", slog.Int("client", c.id), slog.String("error", err.Error()))
			c.conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and clients, shuts the manager down, and
// releases the pidfile.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for c := range s.conns {
			c.conn.Close()
		}
		s.mu.Unlock()

		err = s.mgr.Close()
		s.wg.Wait()

		if s.opts.Ledger != nil {
			_ = s.opts.Ledger.Unregister()
		}
		if s.opts.PIDFile != "" {
			_ = ReleasePIDFile(s.opts.PIDFile)
		}
		daemonLog.Info("daemon_stopped")
	})
	return err
}
