package leader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SecretHeader carries the per-run capability secret on registry calls.
const SecretHeader = "X-PTY-Secret"

// Registry endpoint paths.
const (
	PathSecret           = "/pty/secret"
	PathRegister         = "/pty/register"
	PathUnregister       = "/pty/unregister"
	PathHeartbeat        = "/pty/heartbeat"
	PathReset            = "/pty/reset"
	PathLeaderRegister   = "/leader/register"
	PathLeaderDeregister = "/leader/deregister"
)

// ErrUnauthorized is returned when the registry answers 403, meaning it no
// longer accepts our secret.
var ErrUnauthorized = errors.New("registry rejected secret")

// StatusError is a non-2xx, non-403 registry response.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry %s returned status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("registry %s returned status %d: %s", e.Path, e.Status, e.Body)
}

// Registration is the metadata sent for every live session.
type Registration struct {
	SessionID    string `json:"session_id"`
	Source       string `json:"source"`
	BridgeURL    string `json:"bridge_url"`
	CLIType      string `json:"cli_type"`
	PID          int    `json:"pid"`
	OwnerAgentID string `json:"owner_agent_id,omitempty"`
	OwnerRole    string `json:"owner_role"`
	Label        string `json:"label,omitempty"`
}

// Registry is the HTTP client for the external session registry.
type Registry struct {
	baseURL string
	secret  string
	source  string
	client  *http.Client
}

// NewRegistry returns a client for baseURL. A nil httpClient gets a 10s
// timeout client.
func NewRegistry(baseURL, secret, source string, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		source:  source,
		client:  httpClient,
	}
}

// BaseURL returns the registry root.
func (r *Registry) BaseURL() string {
	return r.baseURL
}

// RegisterSecret announces the per-run secret.
func (r *Registry) RegisterSecret(ctx context.Context) error {
	return r.post(ctx, PathSecret, map[string]string{"secret": r.secret, "source": r.source})
}

// Register records one live session.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if reg.Source == "" {
		reg.Source = r.source
	}
	return r.post(ctx, PathRegister, reg)
}

// Unregister removes a session.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	return r.post(ctx, PathUnregister, map[string]string{"session_id": sessionID, "source": r.source})
}

// Heartbeat reports the ids of every live session.
func (r *Registry) Heartbeat(ctx context.Context, sessionIDs []string) error {
	if sessionIDs == nil {
		sessionIDs = []string{}
	}
	return r.post(ctx, PathHeartbeat, map[string]any{"session_ids": sessionIDs, "source": r.source})
}

// Reset drops every session this source registered.
func (r *Registry) Reset(ctx context.Context) error {
	return r.post(ctx, PathReset, map[string]string{"source": r.source})
}

// RegisterLeader announces the leader's owner agent.
func (r *Registry) RegisterLeader(ctx context.Context, agentID string) error {
	return r.post(ctx, PathLeaderRegister+"?agent_id="+url.QueryEscape(agentID), nil)
}

// DeregisterLeader withdraws the leader's owner agent.
func (r *Registry) DeregisterLeader(ctx context.Context, agentID string) error {
	return r.post(ctx, PathLeaderDeregister+"?agent_id="+url.QueryEscape(agentID), nil)
}

func (r *Registry) post(ctx context.Context, path string, payload any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, r.secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
