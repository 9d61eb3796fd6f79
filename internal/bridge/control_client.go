package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ControlError is a failed control call, carrying the server's error code.
type ControlError struct {
	Status  int
	Code    string
	Message string
}

func (e *ControlError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("control returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ControlClient calls a running control server.
type ControlClient struct {
	ep     ControlEndpoint
	client *http.Client
}

// NewControlClient returns a client for ep. A nil httpClient gets a 15s
// timeout client.
func NewControlClient(ep ControlEndpoint, httpClient *http.Client) *ControlClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	ep.URL = strings.TrimRight(ep.URL, "/")
	return &ControlClient{ep: ep, client: httpClient}
}

func (c *ControlClient) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	var res struct {
		Session SpawnResult `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions", req, &res)
	return res.Session, err
}

func (c *ControlClient) Kill(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/kill", nil, nil)
}

func (c *ControlClient) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/resize", resizeRequest{Cols: cols, Rows: rows}, nil)
}

func (c *ControlClient) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset", nil, nil)
}

// SetOwner changes the owner agent on the session's persisted record.
func (c *ControlClient) SetOwner(ctx context.Context, sessionID, agentID string) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(sessionID)+"/owner", ownerRequest{AgentID: agentID}, nil)
}

// Forget kills the session if needed and deletes its record. It reports
// whether a live session was killed.
func (c *ControlClient) Forget(ctx context.Context, sessionID string) (bool, error) {
	var res struct {
		Killed bool `json:"killed"`
	}
	err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, &res)
	return res.Killed, err
}

func (c *ControlClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.ep.URL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ControlTokenHeader, c.ep.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error.Code != "" {
			return &ControlError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
		}
		return &ControlError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
