package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const (
	DefaultTalkTimeout = 15 * time.Second
	MaxTalkTimeout     = 120 * time.Second

	// PollWindow bounds the wait of a daemon-mode talk.
	PollWindow = 2 * time.Second
)

// Talk modes reported in responses.
const (
	TalkModeSentinel = "sentinel"
	TalkModePoll     = "poll"
)

type talkRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Sentinel  string `json:"sentinel,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type talkResponse struct {
	OK            bool      `json:"ok"`
	Output        string    `json:"output"`
	SentinelFound bool      `json:"sentinel_found"`
	Mode          string    `json:"mode"`
	Sentinel      string    `json:"sentinel,omitempty"`
	Error         *apiError `json:"error,omitempty"`
}

// handleTalk runs a command and waits for it to finish. With the embedded
// manager completion is detected by echoing a sentinel after the command.
// The daemon-backed manager has no completion signal, so the command is
// written, output accumulates for a short window, and the response says
// mode "poll" with sentinel_found false.
func (s *Server) handleTalk(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req talkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id and command are required")
		return
	}
	if req.Sentinel != "" && !sentinelPattern.MatchString(req.Sentinel) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "sentinel must be 6-64 characters of [A-Za-z0-9_]")
		return
	}

	ctx := r.Context()
	mgr := s.opts.Manager
	id, err := mgr.Resolve(ctx, req.SessionID)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	timeout := clampTimeout(req.TimeoutMS, DefaultTalkTimeout, MaxTalkTimeout)

	col := newCollector(mgr, id)
	defer col.close()

	if mgr.Mode() == terminal.ModeDaemon {
		s.talkPoll(w, r, col, id, req.Command, timeout)
		return
	}

	sentinel := req.Sentinel
	if sentinel == "" {
		sentinel = newSentinel()
	}
	typed := typedSentinel(sentinel)
	payload := req.Command + "\r" + "echo " + typed + "\r"
	if err := mgr.Write(ctx, id, []byte(payload)); err != nil {
		writeManagerError(w, r, err)
		return
	}

	start := time.Now()
	found := col.collect(ctx, start.Add(timeout), func(buf []byte) bool {
		_, ok := extractOutput(buf, "", sentinel, "")
		return ok
	})
	output, _ := extractOutput(col.buf, req.Command, sentinel, typed)

	resp := talkResponse{
		OK:            found,
		Output:        output,
		SentinelFound: found,
		Mode:          TalkModeSentinel,
		Sentinel:      sentinel,
	}
	bridgeLog.Debug("talk_complete",
		slog.String("id", id),
		slog.Bool("sentinel_found", found),
		slog.Duration("elapsed", time.Since(start)))

	switch {
	case found:
		writeJSON(w, http.StatusOK, resp)
	case col.exited:
		resp.Error = &apiError{Code: CodeSessionExited, Message: "session exited before the command completed"}
		writeJSON(w, http.StatusGone, resp)
	default:
		resp.Error = &apiError{Code: CodeTimeout, Message: "sentinel not seen within " + timeout.String()}
		writeJSON(w, http.StatusGatewayTimeout, resp)
	}
}

func (s *Server) talkPoll(w http.ResponseWriter, r *http.Request, col *collector, id, command string, timeout time.Duration) {
	ctx := r.Context()
	if err := s.opts.Manager.Write(ctx, id, []byte(command+"\r")); err != nil {
		writeManagerError(w, r, err)
		return
	}
	window := min(timeout, PollWindow)
	col.collect(ctx, time.Now().Add(window), nil)
	output, _ := extractOutput(col.buf, command, "", "")
	writeJSON(w, http.StatusOK, talkResponse{
		OK:     true,
		Output: output,
		Mode:   TalkModePoll,
	})
}
