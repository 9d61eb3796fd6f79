package bridge

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// BufferTimeout bounds a front-end scrollback round trip.
const BufferTimeout = 5 * time.Second

// Buffer read modes.
const (
	BufferTail     = "tail"
	BufferViewport = "viewport"
	BufferDelta    = "delta"
)

const (
	defaultTailLines = 200
	maxBufferLines   = 5000
	markerAnchor     = 3
	maxMarkers       = 256
)

// BufferRequest asks the front end for a view of a session's scrollback.
type BufferRequest struct {
	ID           string
	SessionID    string
	Mode         string
	MaxLines     int
	MergeWrapped bool
	MarkerID     string
}

// BufferSnapshot is what the front end returns.
type BufferSnapshot struct {
	Mode       string   `json:"mode"`
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
	MarkerID   string   `json:"marker_id"`
	// Reset is set on a delta read whose marker was unknown or rotated out;
	// Lines then holds a tail instead.
	Reset        bool `json:"reset,omitempty"`
	Truncated    bool `json:"truncated,omitempty"`
	MergeWrapped bool `json:"merge_wrapped"`
}

// FrontendBuffer is the visual front end's scrollback view.
type FrontendBuffer interface {
	Snapshot(ctx context.Context, req BufferRequest) (*BufferSnapshot, error)
}

type bufferRequest struct {
	SessionID    string `json:"session_id"`
	Mode         string `json:"mode,omitempty"`
	MaxLines     int    `json:"max_lines,omitempty"`
	MergeWrapped bool   `json:"merge_wrapped,omitempty"`
	MarkerID     string `json:"marker_id,omitempty"`
}

type bufferResponse struct {
	OK         bool   `json:"ok"`
	AccessMode string `json:"access_mode"`
	*BufferSnapshot
}

// handleBuffer proxies to the front end's scrollback. It is refused with
// BUFFER_ACCESS_DISABLED while the access switch is off.
func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.opts.Access.Enabled() {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"ok":          false,
			"access_mode": string(config.AccessOff),
			"error":       apiError{Code: CodeAccessDisabled, Message: "buffer access is disabled"},
		})
		return
	}
	var req bufferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = BufferTail
	}
	switch req.Mode {
	case BufferTail, BufferViewport, BufferDelta:
	default:
		writeError(w, http.StatusBadRequest, CodeBadRequest, "mode must be tail, viewport or delta")
		return
	}
	if s.opts.Frontend == nil {
		writeError(w, http.StatusServiceUnavailable, CodeBufferUnavailable, "no front end buffer attached")
		return
	}

	id, err := s.opts.Manager.Resolve(r.Context(), req.SessionID)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), BufferTimeout)
	defer cancel()

	type result struct {
		snap *BufferSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := s.opts.Frontend.Snapshot(ctx, BufferRequest{
			ID:           id,
			SessionID:    req.SessionID,
			Mode:         req.Mode,
			MaxLines:     req.MaxLines,
			MergeWrapped: req.MergeWrapped,
			MarkerID:     req.MarkerID,
		})
		done <- result{snap, err}
	}()

	select {
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "front end did not answer within "+BufferTimeout.String())
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				writeError(w, http.StatusGatewayTimeout, CodeTimeout, res.err.Error())
				return
			}
			writeError(w, http.StatusBadGateway, CodeBufferUnavailable, res.err.Error())
			return
		}
		writeJSON(w, http.StatusOK, bufferResponse{OK: true, AccessMode: string(config.AccessOn), BufferSnapshot: res.snap})
	}
}

// SnapshotSource yields the tracked scrollback bytes of a session.
type SnapshotSource interface {
	Snapshot(id string) []byte
}

// ScrollbackFrontend serves buffer reads from the live scrollback tracker
// when no richer front end is attached. Lines are already logical lines, so
// MergeWrapped is accepted and echoed back.
type ScrollbackFrontend struct {
	src SnapshotSource

	mu      sync.Mutex
	markers map[string][]string
	order   []string
}

// NewScrollbackFrontend wraps src.
func NewScrollbackFrontend(src SnapshotSource) *ScrollbackFrontend {
	return &ScrollbackFrontend{src: src, markers: make(map[string][]string)}
}

// Snapshot implements FrontendBuffer.
func (f *ScrollbackFrontend) Snapshot(_ context.Context, req BufferRequest) (*BufferSnapshot, error) {
	lines := splitLines(f.src.Snapshot(req.ID))
	limit := req.MaxLines
	if limit <= 0 {
		limit = defaultTailLines
		if req.Mode == BufferViewport {
			limit = terminal.DefaultRows
		}
	}
	if limit > maxBufferLines {
		limit = maxBufferLines
	}

	snap := &BufferSnapshot{
		Mode:         req.Mode,
		TotalLines:   len(lines),
		MergeWrapped: req.MergeWrapped,
	}

	view := lines
	if req.Mode == BufferDelta {
		if rest, ok := f.after(req.MarkerID, lines); ok {
			view = rest
		} else {
			snap.Reset = true
		}
	}
	if len(view) > limit {
		view = view[len(view)-limit:]
		snap.Truncated = true
	}
	snap.Lines = append([]string{}, view...)
	snap.MarkerID = f.mark(lines)
	return snap, nil
}

func splitLines(raw []byte) []string {
	text := strings.TrimRight(cleanText(raw), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// mark remembers the last few lines as an anchor and returns its id.
func (f *ScrollbackFrontend) mark(lines []string) string {
	anchor := lines
	if len(anchor) > markerAnchor {
		anchor = anchor[len(anchor)-markerAnchor:]
	}
	id := uuid.NewString()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[id] = append([]string{}, anchor...)
	f.order = append(f.order, id)
	if len(f.order) > maxMarkers {
		delete(f.markers, f.order[0])
		f.order = f.order[1:]
	}
	return id
}

// after returns the lines following the marker's anchor, searching from the
// end so repeated output matches the latest occurrence.
func (f *ScrollbackFrontend) after(markerID string, lines []string) ([]string, bool) {
	f.mu.Lock()
	anchor, ok := f.markers[markerID]
	f.mu.Unlock()
	if !ok {
		return nil, false
	}
	if len(anchor) == 0 {
		return lines, true
	}
	for end := len(lines); end >= len(anchor); end-- {
		if slices.Equal(lines[end-len(anchor):end], anchor) {
			return lines[end:], true
		}
	}
	return nil, false
}
