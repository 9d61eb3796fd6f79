// Package ptyd implements the daemon wire protocol, a client for it, and a
// spawner that makes sure a daemon is running.
package ptyd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/safety"
)

const JSONRPCVersion = "2.0"

// Request methods.
const (
	MethodCreate          = "create"
	MethodWrite           = "write"
	MethodResize          = "resize"
	MethodKill            = "kill"
	MethodList            = "list"
	MethodGet             = "get"
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
	MethodGetBufferedData = "getBufferedData"
	MethodHistory         = "history"
	MethodPing            = "ping"
)

// Notification methods.
const (
	NotifyData = "terminal.data"
	NotifyExit = "terminal.exit"
)

// SubscribeAll subscribes a connection to every terminal.
const SubscribeAll = "*"

// Wire error codes.
const (
	CodeNotFound      = "not_found"
	CodeBlocked       = "blocked"
	CodeInvalidParams = "invalid_params"
	CodeInternal      = "internal"
	CodeUnknownMethod = "unknown_method"
)

// ErrRemoteNotFound matches responses carrying CodeNotFound.
var ErrRemoteNotFound = errors.New("terminal not found on daemon")

// Request is a client to daemon call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`

	// closed marks a synthetic response for a dropped connection.
	closed bool
}

// Notification is an unsolicited daemon push.
type Notification struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// frame is the union used to classify incoming lines.
type frame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a Response.
type RPCError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is lets callers match wire errors against local sentinels.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrRemoteNotFound
	case CodeBlocked:
		return target == safety.ErrBlocked
	}
	return false
}

// Owner mirrors terminal ownership metadata on the wire.
type Owner struct {
	AgentID   string `json:"ownerAgentId,omitempty"`
	SessionID string `json:"ownerSessionId,omitempty"`
	Role      string `json:"ownerRole,omitempty"`
	Label     string `json:"label,omitempty"`
}

type CreateParams struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Title   string            `json:"title,omitempty"`
	Owner   Owner             `json:"owner"`
}

type CreateResult struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	Category string `json:"category,omitempty"`
}

type IDParams struct {
	ID string `json:"id"`
}

// WriteParams carries raw bytes; encoding/json base64-encodes them so
// partial UTF-8 sequences survive the trip.
type WriteParams struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type ResizeParams struct {
	ID   string `json:"id"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type OKResult struct {
	OK bool `json:"ok"`
}

type BufferedResult struct {
	Data []byte `json:"data"`
}

// TerminalInfo describes a daemon-hosted terminal. ID is the stable session
// id.
type TerminalInfo struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	Cwd       string    `json:"cwd,omitempty"`
	Command   string    `json:"command,omitempty"`
	Category  string    `json:"category"`
	Title     string    `json:"title,omitempty"`
	Owner     Owner     `json:"owner"`
	Alive     bool      `json:"alive"`
	CreatedAt time.Time `json:"createdAt"`
}

type ListResult struct {
	Terminals []TerminalInfo `json:"terminals"`
}

type DataNotification struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type ExitNotification struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
}

type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one row of the daemon's terminal ledger.
type HistoryEntry struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Category  string     `json:"category"`
	Cwd       string     `json:"cwd,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
}

type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
}

type PingResult struct {
	PID       int    `json:"pid"`
	Version   string `json:"version"`
	Terminals int    `json:"terminals"`
}
