package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/leader"
	"github.com/asheshgoplani/agent-ptyd/internal/persist"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// ControlTokenHeader carries the per-run control token.
const ControlTokenHeader = "X-PTYD-Control-Token"

// ControlFileName is written to the state directory while serve runs.
const ControlFileName = "control.json"

const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeLeaderProtected = "LEADER_PROTECTED"
)

// SessionController is the lifecycle surface behind the control server.
// *leader.Coordinator implements it.
type SessionController interface {
	Create(ctx context.Context, spec terminal.Spec) (*terminal.Created, bool, error)
	Kill(ctx context.Context, sessionOrID string) error
	Resize(ctx context.Context, sessionOrID string, cols, rows uint16) error
	ResetAll(ctx context.Context) error
}

var _ SessionController = (*leader.Coordinator)(nil)

// RecordStore is the subset of *persist.Store the control server edits.
type RecordStore interface {
	Get(id string) (persist.Record, bool)
	FindByPty(ptyID string) (persist.Record, bool)
	List() []persist.Record
	SetOwner(id, ownerAgentID string) error
	DeleteSession(id string) error
}

// ControlOptions configures a ControlServer.
type ControlOptions struct {
	Manager    terminal.Manager
	Controller SessionController
	// Records is optional; without it owner and delete answer 503.
	Records RecordStore
	Token   string
}

// ControlServer is the local-only admin surface for operations the bridge
// does not expose: spawn, kill, resize, reset and record edits. Every
// request must carry the token from the control file.
type ControlServer struct {
	opts       ControlOptions
	httpServer *http.Server
}

// NewControl builds the control server and its routes.
func NewControl(opts ControlOptions) *ControlServer {
	s := &ControlServer{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleSpawn)
	mux.HandleFunc("POST /sessions/{id}/kill", s.handleKill)
	mux.HandleFunc("POST /sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("PUT /sessions/{id}/owner", s.handleOwner)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleForget)
	mux.HandleFunc("POST /reset", s.handleReset)

	s.httpServer = &http.Server{
		Handler:           withRecover(s.requireToken(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// ListenControl binds an ephemeral loopback port.
func ListenControl() (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("control listen: %w", err)
	}
	return ln, nil
}

// Handler returns the routed handler (used by tests).
func (s *ControlServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts on ln until Shutdown.
func (s *ControlServer) Serve(ln net.Listener) error {
	bridgeLog.Info("control_listening", slog.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *ControlServer) requireToken(next http.Handler) http.Handler {
	want := []byte(s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(ControlTokenHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			bridgeLog.Warn("control_unauthorized", slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or wrong control token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, leader.ErrLeaderProtected):
		writeError(w, http.StatusConflict, CodeLeaderProtected, err.Error())
	case errors.Is(err, persist.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		writeManagerError(w, r, err)
	}
}

// SpawnRequest is the body of POST /sessions.
type SpawnRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Title   string            `json:"title,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
	Label   string            `json:"label,omitempty"`
}

// SpawnResult is the body returned for a created session.
type SpawnResult struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Category  string `json:"category"`
	IsLeader  bool   `json:"is_leader"`
}

func (s *ControlServer) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "command is required")
		return
	}
	created, isLeader, err := s.opts.Controller.Create(r.Context(), terminal.Spec{
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
		Title:   req.Title,
		Owner:   terminal.Owner{AgentID: req.AgentID, Label: req.Label},
	})
	if err != nil {
		writeControlError(w, r, err)
		return
	}
	bridgeLog.Info("control_spawn",
		slog.String("session_id", created.SessionID),
		slog.Bool("leader", isLeader))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"session": SpawnResult{
			ID:        created.ID,
			SessionID: created.SessionID,
			PID:       created.PID,
			Category:  created.Category,
			IsLeader:  isLeader,
		},
	})
}

func (s *ControlServer) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Controller.Kill(r.Context(), id); err != nil {
		writeControlError(w, r, err)
		return
	}
	bridgeLog.Info("control_kill", slog.String("id", id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *ControlServer) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "cols and rows must be positive")
		return
	}
	if err := s.opts.Controller.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *ControlServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.ResetAll(r.Context()); err != nil {
		writeControlError(w, r, err)
		return
	}
	bridgeLog.Info("control_reset")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type ownerRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *ControlServer) handleOwner(w http.ResponseWriter, r *http.Request) {
	if s.opts.Records == nil {
		writeError(w, http.StatusServiceUnavailable, CodeManagerUnavailable, "no session store")
		return
	}
	var req ownerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	recordID := s.recordID(r.Context(), r.PathValue("id"))
	if err := s.opts.Records.SetOwner(recordID, req.AgentID); err != nil {
		writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "record_id": recordID})
}

// handleForget kills the session if it is still running, then drops its
// persisted record and scrollback.
func (s *ControlServer) handleForget(w http.ResponseWriter, r *http.Request) {
	if s.opts.Records == nil {
		writeError(w, http.StatusServiceUnavailable, CodeManagerUnavailable, "no session store")
		return
	}
	ctx := r.Context()
	arg := r.PathValue("id")
	recordID := s.recordID(ctx, arg)

	killed := false
	if s.liveSession(ctx, arg) {
		if err := s.opts.Controller.Kill(ctx, arg); err != nil && !errors.Is(err, terminal.ErrSessionNotFound) {
			writeControlError(w, r, err)
			return
		}
		killed = true
	}
	if err := s.opts.Records.DeleteSession(recordID); err != nil {
		writeControlError(w, r, err)
		return
	}
	bridgeLog.Info("control_forget", slog.String("record_id", recordID), slog.Bool("killed", killed))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "record_id": recordID, "killed": killed})
}

func (s *ControlServer) liveSession(ctx context.Context, arg string) bool {
	if s.opts.Manager == nil {
		return false
	}
	_, err := s.opts.Manager.Resolve(ctx, arg)
	return err == nil
}

// recordID maps a session id, manager id or record id to the record that
// represents it, falling back to arg itself.
func (s *ControlServer) recordID(ctx context.Context, arg string) string {
	if _, ok := s.opts.Records.Get(arg); ok {
		return arg
	}
	ptyID := arg
	if s.opts.Manager != nil {
		if id, err := s.opts.Manager.Resolve(ctx, arg); err == nil {
			ptyID = id
		}
	}
	if rec, ok := s.opts.Records.FindByPty(ptyID); ok {
		return rec.ID
	}
	// Exited sessions no longer resolve; match the stored session id.
	for _, rec := range s.opts.Records.List() {
		if rec.SessionID == arg {
			return rec.ID
		}
	}
	return arg
}

// ControlEndpoint is the content of the control file.
type ControlEndpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// WriteControlFile publishes ep at path, readable only by the owner.
func WriteControlFile(path string, ep ControlEndpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return persist.WriteFileAtomic(path, data, 0o600)
}

// ReadControlFile loads the endpoint written by a running serve.
func ReadControlFile(path string) (ControlEndpoint, error) {
	var ep ControlEndpoint
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ep, fmt.Errorf("no running serve (missing %s)", path)
		}
		return ep, err
	}
	if err := json.Unmarshal(data, &ep); err != nil {
		return ep, fmt.Errorf("parse %s: %w", path, err)
	}
	if ep.URL == "" || ep.Token == "" {
		return ep, fmt.Errorf("incomplete control file %s", path)
	}
	return ep, nil
}
