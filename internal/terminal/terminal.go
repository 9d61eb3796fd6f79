// Package terminal defines the terminal manager contract shared by the
// embedded and daemon-backed implementations, plus the event bus both use to
// publish output and exit notifications.
package terminal

import (
	"context"
	"errors"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
)

var termLog = logging.ForComponent(logging.CompTerminal)

// ErrSessionNotFound is returned for operations against an id with no live
// mapping.
var ErrSessionNotFound = errors.New("session not found")

// ErrClosed is returned after the manager has been shut down.
var ErrClosed = errors.New("terminal manager closed")

const (
	// LiveBufferCap bounds every in-memory output buffer.
	LiveBufferCap = 512 * 1024

	// BufferWindow is how long output is retained for BufferedData after
	// creation.
	BufferWindow = 5 * time.Second

	DefaultCols = 80
	DefaultRows = 24
)

// Environment variables injected into every spawned process.
const (
	EnvSessionID = "PTYD_SESSION_ID"
	EnvBridgeURL = "PTYD_BRIDGE_URL"
)

// Mode names the active manager implementation.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeDaemon   Mode = "daemon"
)

// Role is the ownership role hint of a session.
type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

// Owner is the ownership metadata attached to a session at creation.
type Owner struct {
	AgentID   string `json:"ownerAgentId,omitempty"`
	SessionID string `json:"ownerSessionId,omitempty"`
	Role      Role   `json:"ownerRole,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Spec describes a process to spawn.
type Spec struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16
	Title   string
	Owner   Owner
}

// Created is the result of a successful Create.
type Created struct {
	ID        string
	SessionID string
	PID       int
	Category  string
}

// Info is a snapshot of a live session.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	Cwd       string    `json:"cwd,omitempty"`
	Command   string    `json:"command,omitempty"`
	Category  string    `json:"category"`
	Title     string    `json:"title,omitempty"`
	Owner     Owner     `json:"owner"`
	Alive     bool      `json:"alive"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates and drives PTY sessions. Operations take the internal id;
// Resolve maps a session id (or an internal id) to it.
type Manager interface {
	Create(ctx context.Context, spec Spec) (*Created, error)
	Write(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows uint16) error
	Kill(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)
	// BufferedData returns and clears output accumulated during the
	// post-creation buffering window.
	BufferedData(ctx context.Context, id string) ([]byte, error)
	Resolve(ctx context.Context, sessionOrID string) (string, error)
	Subscribe() (<-chan Event, func())
	Mode() Mode
	Close() error
}

func normalizeSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return cols, rows
}
