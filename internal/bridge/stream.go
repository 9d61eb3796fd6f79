package bridge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

type streamMessage struct {
	Type      string `json:"type"` // ready, data, exit
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     allowStreamOrigin,
}

// allowStreamOrigin accepts non-browser clients and same-host pages.
func allowStreamOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) Close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// handleStream pushes a session's live output over a websocket. The stream
// is read-only: client messages are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id is required")
		return
	}
	id, err := s.opts.Manager.Resolve(r.Context(), sessionID)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	events, unsubscribe := s.opts.Manager.Subscribe()
	defer unsubscribe()

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		bridgeLog.Warn("stream_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	bridgeLog.Debug("stream_opened", slog.String("id", id))
	defer bridgeLog.Debug("stream_closed", slog.String("id", id))

	if err := writer.WriteJSON(streamMessage{Type: "ready", SessionID: sessionID}); err != nil {
		return
	}

	for {
		select {
		case <-clientGone:
			return
		case <-s.baseCtx.Done():
			writer.Close(websocket.CloseGoingAway, "bridge shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				writer.Close(websocket.CloseGoingAway, "manager closed")
				return
			}
			if ev.ID != id {
				continue
			}
			switch ev.Type {
			case terminal.EventData:
				if err := writer.WriteJSON(streamMessage{Type: "data", SessionID: sessionID, Data: string(ev.Data)}); err != nil {
					return
				}
			case terminal.EventExit:
				code := ev.ExitCode
				_ = writer.WriteJSON(streamMessage{Type: "exit", SessionID: sessionID, ExitCode: &code})
				writer.Close(websocket.CloseNormalClosure, "session exited")
				return
			}
		}
	}
}
