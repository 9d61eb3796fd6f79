package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

func TestStreamPushesDataAndExit(t *testing.T) {
	mgr := newFakeManager(terminal.ModeEmbedded)
	mgr.add("pty-1", "shell-00000001")
	mgr.add("pty-2", "shell-00000002")
	s := newTestServer(t, Options{Manager: mgr})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pty/stream?session_id=shell-00000001"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ready", msg.Type)

	mgr.emit("pty-2", "other")
	mgr.emit("pty-1", "hello")
	mgr.exit("pty-1", 3)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "data", msg.Type)
	assert.Equal(t, "hello", msg.Data)

	msg = streamMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "exit", msg.Type)
	require.NotNil(t, msg.ExitCode)
	assert.Equal(t, 3, *msg.ExitCode)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamUnknownSession(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pty/stream?session_id=missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:47822/pty/stream", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, allowStreamOrigin(r))

	r.Header.Set("Origin", "http://127.0.0.1:47822")
	assert.True(t, allowStreamOrigin(r))

	r.Header.Del("Origin")
	assert.True(t, allowStreamOrigin(r))
}
