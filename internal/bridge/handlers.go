package bridge

import (
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/leader"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const (
	DefaultReadTimeout = time.Second
	MaxReadTimeout     = 10 * time.Second
)

type writeRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// handleWrite forwards bytes verbatim. No newline is appended and nothing
// waits for completion.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req writeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Data == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id and data are required")
		return
	}

	ctx := r.Context()
	id, err := s.opts.Manager.Resolve(ctx, req.SessionID)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	if err := s.opts.Manager.Write(ctx, id, []byte(req.Data)); err != nil {
		writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes_written": len(req.Data)})
}

type readRequest struct {
	SessionID string `json:"session_id"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// handleRead returns output accumulated during a bounded wait, preceded by
// anything still held from the post-creation buffering window.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req readRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id is required")
		return
	}

	ctx := r.Context()
	mgr := s.opts.Manager
	id, err := mgr.Resolve(ctx, req.SessionID)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	col := newCollector(mgr, id)
	defer col.close()

	early, err := mgr.BufferedData(ctx, id)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	col.addBuffered(early)

	wait := clampTimeout(req.TimeoutMS, DefaultReadTimeout, MaxReadTimeout)
	col.collect(ctx, time.Now().Add(wait), nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"output":     cleanText(col.buf),
		"bytes_read": len(col.buf),
		"exited":     col.exited,
	})
}

type sessionView struct {
	SessionID string         `json:"session_id"`
	ID        string         `json:"id"`
	PID       int            `json:"pid"`
	Cols      uint16         `json:"cols"`
	Rows      uint16         `json:"rows"`
	Cwd       string         `json:"cwd,omitempty"`
	Command   string         `json:"command,omitempty"`
	Category  string         `json:"category"`
	Title     string         `json:"title,omitempty"`
	Owner     terminal.Owner `json:"owner"`
	Alive     bool           `json:"alive"`
	IsLeader  bool           `json:"is_leader"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	infos, err := s.opts.Manager.List(r.Context())
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	leaderID := s.leaderSessionID()
	sessions := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionView{
			SessionID: info.SessionID,
			ID:        info.ID,
			PID:       info.PID,
			Cols:      info.Cols,
			Rows:      info.Rows,
			Cwd:       info.Cwd,
			Command:   info.Command,
			Category:  info.Category,
			Title:     info.Title,
			Owner:     info.Owner,
			Alive:     info.Alive,
			IsLeader:  leaderID != "" && info.SessionID == leaderID,
			CreatedAt: info.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": sessions})
}

func (s *Server) leaderSessionID() string {
	if s.opts.Leader == nil {
		return ""
	}
	return s.opts.Leader.LeaderSessionID()
}

func (s *Server) handleIsLeader(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id is required")
		return
	}
	leaderID := s.leaderSessionID()
	var leaderField any
	if leaderID != "" {
		leaderField = leaderID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"session_id":         sessionID,
		"is_leader":          leaderID != "" && leader.SameSession(sessionID, leaderID),
		"leader_terminal_id": leaderField,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	count := 0
	if infos, err := s.opts.Manager.List(r.Context()); err == nil {
		count = len(infos)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"service":     ServiceName,
		"port":        s.Port(),
		"sessions":    count,
		"mode":        string(s.opts.Manager.Mode()),
		"access_mode": string(s.opts.Access.Mode()),
	})
}
