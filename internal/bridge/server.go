// Package bridge is the HTTP control plane an external automation agent uses
// to read, write and run commands in live sessions. Resize and kill are not
// exposed here.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/safety"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// ServiceName is reported by /health.
const ServiceName = "ptyd-bridge"

// PortAttempts is how many consecutive ports Listen tries.
const PortAttempts = 10

const maxRequestBody = 1 << 20

// LeaderSource reports the current leader session id ("" when unset).
type LeaderSource interface {
	LeaderSessionID() string
}

// Options configures a Server.
type Options struct {
	Manager  terminal.Manager
	Leader   LeaderSource
	Access   *config.AccessSwitch
	Frontend FrontendBuffer
}

// Server serves the bridge endpoints.
type Server struct {
	opts       Options
	httpServer *http.Server
	port       atomic.Int32

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Listen binds host:port, moving on to the next port when the bind fails, up
// to PortAttempts ports.
func Listen(host string, port int) (net.Listener, error) {
	var lastErr error
	for i := 0; i < PortAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				bridgeLog.Warn("bridge_port_fallback", slog.Int("wanted", port), slog.String("addr", ln.Addr().String()))
			}
			return ln, nil
		}
		lastErr = err
		if port == 0 {
			break
		}
	}
	return nil, fmt.Errorf("bridge listen on %s from port %d: %w", host, port, lastErr)
}

// URL is the base URL clients use to reach a listener.
func URL(ln net.Listener) string {
	return "http://" + ln.Addr().String()
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Access == nil {
		opts.Access = config.NewAccessSwitch(config.AccessOff)
	}
	s := &Server{opts: opts}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/pty/talk", s.handleTalk)
	mux.HandleFunc("/pty/write", s.handleWrite)
	mux.HandleFunc("/pty/read", s.handleRead)
	mux.HandleFunc("/pty/buffer", s.handleBuffer)
	mux.HandleFunc("/pty/list", s.handleList)
	mux.HandleFunc("/pty/is-leader", s.handleIsLeader)
	mux.HandleFunc("/pty/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Handler:           withRecover(withCORS(mux)),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts on ln until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(tcp.Port))
	}
	bridgeLog.Info("bridge_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("mode", string(s.opts.Manager.Mode())))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Port is the bound port, or 0 before Serve.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Shutdown stops accepting and closes streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				bridgeLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Error codes in {"ok":false,"error":{"code":...}} bodies.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeNotFound           = "NOT_FOUND"
	CodeBlocked            = "BLOCKED"
	CodeTimeout            = "TIMEOUT"
	CodeSessionExited      = "SESSION_EXITED"
	CodeAccessDisabled     = "BUFFER_ACCESS_DISABLED"
	CodeBufferUnavailable  = "BUFFER_UNAVAILABLE"
	CodeDaemonUnavailable  = "DAEMON_UNAVAILABLE"
	CodeManagerUnavailable = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	OK    bool     `json:"ok"`
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: message}})
}

// classify maps manager and transport errors to a status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, terminal.ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, safety.ErrBlocked):
		return http.StatusForbidden, CodeBlocked
	case errors.Is(err, ptyd.ErrNotConnected), errors.Is(err, ptyd.ErrConnectionClosed):
		return http.StatusServiceUnavailable, CodeDaemonUnavailable
	case errors.Is(err, ptyd.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, terminal.ErrClosed):
		return http.StatusServiceUnavailable, CodeManagerUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		bridgeLog.Warn("bridge_request_failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeError(w, status, code, err.Error())
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// clampTimeout converts a millisecond request field into a duration bounded
// by limit, using def when unset.
func clampTimeout(ms int, def, limit time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > limit {
		return limit
	}
	return d
}
