// Package leader tracks which session is the leader and keeps the external
// session registry in sync with the live sessions, authenticated by a
// per-run secret.
package leader

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// normalizedIDLen is how many characters of a normalized id are compared.
const normalizedIDLen = 8

// State is the process-wide leader and secret state.
type State struct {
	secret string

	mu             sync.RWMutex
	leaderSession  string
	leaderID       string
	leaderAgent    string
	secretAccepted bool
}

// NewState generates a fresh capability secret.
func NewState() *State {
	return &State{secret: uuid.NewString()}
}

// Secret is the per-run capability secret.
func (s *State) Secret() string {
	return s.secret
}

// LeaderSessionID returns the leader's session id, or "" before the first
// creation.
func (s *State) LeaderSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderSession
}

// LeaderID returns the leader's internal manager id.
func (s *State) LeaderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

// LeaderAgentID returns the owner agent id supplied with the leader session.
func (s *State) LeaderAgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderAgent
}

// HasLeader reports whether a leader has been assigned since start or reset.
func (s *State) HasLeader() bool {
	return s.LeaderSessionID() != ""
}

// Claim records the session as leader unless one is already set. It reports
// whether the claim took effect.
func (s *State) Claim(sessionID, id, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaderSession != "" {
		return false
	}
	s.leaderSession = sessionID
	s.leaderID = id
	s.leaderAgent = agentID
	return true
}

// IsLeader compares sessionID against the leader after normalizing both.
func (s *State) IsLeader(sessionID string) bool {
	leader := s.LeaderSessionID()
	return leader != "" && SameSession(sessionID, leader)
}

// Reset clears the leader so the next creation claims it.
func (s *State) Reset() {
	s.mu.Lock()
	s.leaderSession = ""
	s.leaderID = ""
	s.leaderAgent = ""
	s.mu.Unlock()
}

// SecretAccepted reports whether the registry last accepted the secret.
func (s *State) SecretAccepted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secretAccepted
}

func (s *State) setSecretAccepted(v bool) {
	s.mu.Lock()
	s.secretAccepted = v
	s.mu.Unlock()
}

// Normalize reduces a session id to a comparable key: lower-case, a leading
// category or "pty" segment removed, separators dropped, truncated to eight
// characters. "claude-1A2B3C4D" and "1a2b_3c4d" both become "1a2b3c4d".
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if i := strings.IndexAny(id, "-_:."); i > 0 && terminal.IsIDPrefix(id[:i]) {
		id = id[i+1:]
	}
	var b strings.Builder
	for _, r := range id {
		switch r {
		case '-', '_', ':', '.':
			continue
		}
		b.WriteRune(r)
		if b.Len() >= normalizedIDLen {
			break
		}
	}
	return b.String()
}

// SameSession reports whether a and b name the same session.
func SameSession(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}
