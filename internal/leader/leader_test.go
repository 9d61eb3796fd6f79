package leader

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

func newTestCoordinator(t *testing.T, withRegistry bool) (*Coordinator, *fakeManager, *fakeRegistry) {
	t.Helper()
	mgr := newFakeManager()
	state := NewState()
	opts := Options{Manager: mgr, State: state, BridgeURL: "http://127.0.0.1:47822"}

	var fr *fakeRegistry
	if withRegistry {
		f, srv := newFakeRegistry(t, state.Secret())
		fr = f
		opts.Registry = NewRegistry(srv.URL, state.Secret(), DefaultSource, srv.Client())
	}
	c := NewCoordinator(opts)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, mgr, fr
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"claude-1A2B3C4D", "1a2b3c4d"},
		{"1a2b_3c4d", "1a2b3c4d"},
		{"1a2b:3c4d:ffff", "1a2b3c4d"},
		{"pty-1a2b3c4d-aaaa-bbbb", "1a2b3c4d"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
	assert.True(t, SameSession("codex-deadbeef", "DEAD.BEEF"))
	assert.False(t, SameSession("codex-deadbeef", "codex-deadbee0"))
	assert.False(t, SameSession("", ""))
}

func TestFirstCreateIsLeader(t *testing.T) {
	c, mgr, _ := newTestCoordinator(t, false)
	ctx := context.Background()

	first, isLeader, err := c.Create(ctx, terminal.Spec{Command: "bash", Owner: terminal.Owner{AgentID: "agent-1", Role: terminal.RoleWorker}})
	require.NoError(t, err)
	assert.True(t, isLeader)
	assert.Equal(t, terminal.RoleLeader, mgr.lastSpec().Owner.Role)

	_, isLeader, err = c.Create(ctx, terminal.Spec{Command: "bash", Owner: terminal.Owner{Role: terminal.RoleLeader}})
	require.NoError(t, err)
	assert.False(t, isLeader)
	assert.Equal(t, terminal.RoleWorker, mgr.lastSpec().Owner.Role)

	st := c.State()
	assert.Equal(t, first.SessionID, st.LeaderSessionID())
	assert.Equal(t, "agent-1", st.LeaderAgentID())
	assert.True(t, st.IsLeader(first.SessionID))
}

func TestKillLeaderIsProtected(t *testing.T) {
	c, mgr, _ := newTestCoordinator(t, false)
	ctx := context.Background()

	leader, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	worker, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Kill(ctx, leader.ID), ErrLeaderProtected)
	assert.ErrorIs(t, c.Kill(ctx, leader.SessionID), ErrLeaderProtected)
	assert.Empty(t, mgr.killedIDs())

	require.NoError(t, c.Kill(ctx, worker.SessionID))
	assert.Equal(t, []string{worker.ID}, mgr.killedIDs())

	assert.ErrorIs(t, c.Kill(ctx, "missing"), terminal.ErrSessionNotFound)
}

func TestResetAllClearsLeader(t *testing.T) {
	c, mgr, fr := newTestCoordinator(t, true)
	ctx := context.Background()

	leader, _, err := c.Create(ctx, terminal.Spec{Command: "bash", Owner: terminal.Owner{AgentID: "agent-1"}})
	require.NoError(t, err)
	_, _, err = c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)

	require.NoError(t, c.ResetAll(ctx))
	assert.Len(t, mgr.killedIDs(), 2)
	assert.Contains(t, mgr.killedIDs(), leader.ID)
	assert.False(t, c.State().HasLeader())
	assert.Equal(t, 1, fr.count(PathReset))
	assert.Equal(t, 1, fr.count(PathLeaderDeregister))

	next, isLeader, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	assert.True(t, isLeader)
	assert.Equal(t, next.SessionID, c.State().LeaderSessionID())
}

func TestCreateRegistersSession(t *testing.T) {
	c, _, fr := newTestCoordinator(t, true)
	ctx := context.Background()

	assert.Equal(t, 1, fr.count(PathSecret))
	assert.True(t, c.State().SecretAccepted())

	created, _, err := c.Create(ctx, terminal.Spec{Command: "bash", Owner: terminal.Owner{AgentID: "agent-7", Label: "main"}})
	require.NoError(t, err)

	assert.Equal(t, 1, fr.count(PathLeaderRegister))
	assert.Equal(t, 1, fr.count(PathRegister))
	body := fr.lastBody(PathRegister)
	assert.Equal(t, created.SessionID, body["session_id"])
	assert.Equal(t, "leader", body["owner_role"])
	assert.Equal(t, "agent-7", body["owner_agent_id"])
	assert.Equal(t, "main", body["label"])
	assert.Equal(t, "http://127.0.0.1:47822", body["bridge_url"])
	assert.Equal(t, DefaultSource, body["source"])
	assert.EqualValues(t, created.PID, body["pid"])
}

func TestRegisterRecoversFromForbidden(t *testing.T) {
	c, _, fr := newTestCoordinator(t, true)
	ctx := context.Background()
	fr.respond(PathRegister, http.StatusForbidden, http.StatusOK)

	_, _, err := c.Create(ctx, terminal.Spec{Command: "bash", Owner: terminal.Owner{AgentID: "agent-1"}})
	require.NoError(t, err)

	// startup + recovery
	assert.Equal(t, 2, fr.count(PathSecret))
	// initial announce + re-announce
	assert.Equal(t, 2, fr.count(PathLeaderRegister))
	// rejected, resync of the live session, retry
	assert.Equal(t, 3, fr.count(PathRegister))
	assert.True(t, c.State().SecretAccepted())
}

func TestRegisterGivesUpAfterRetry(t *testing.T) {
	c, _, fr := newTestCoordinator(t, true)
	fr.respond(PathRegister, http.StatusForbidden)

	created, _, err := c.Create(context.Background(), terminal.Spec{Command: "bash"})
	require.NoError(t, err, "registration failures never fail creation")
	require.NotNil(t, created)

	assert.Equal(t, 3, fr.count(PathRegister))
	assert.Equal(t, 2, fr.count(PathSecret))
}

func TestUnregisterOnExitRetries(t *testing.T) {
	c, _, fr := newTestCoordinator(t, true)
	ctx := context.Background()
	fr.respond(PathUnregister, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)

	_, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	worker, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	require.NoError(t, c.Kill(ctx, worker.ID))

	require.Eventually(t, func() bool { return fr.count(PathUnregister) == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, worker.SessionID, fr.lastBody(PathUnregister)["session_id"])
}

func TestUnregisterStopsAtAttemptCap(t *testing.T) {
	c, _, fr := newTestCoordinator(t, true)
	ctx := context.Background()
	fr.respond(PathUnregister, http.StatusBadGateway)

	_, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	worker, _, err := c.Create(ctx, terminal.Spec{Command: "bash"})
	require.NoError(t, err)
	require.NoError(t, c.Kill(ctx, worker.ID))

	require.Eventually(t, func() bool { return fr.count(PathUnregister) == 3 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 3, fr.count(PathUnregister))
}

func TestHeartbeatSendsLiveSessions(t *testing.T) {
	mgr := newFakeManager()
	state := NewState()
	fr, srv := newFakeRegistry(t, state.Secret())
	c := NewCoordinator(Options{
		Manager:           mgr,
		State:             state,
		Registry:          NewRegistry(srv.URL, state.Secret(), DefaultSource, srv.Client()),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	created, _, err := c.Create(context.Background(), terminal.Spec{Command: "bash"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		body := fr.lastBody(PathHeartbeat)
		if body == nil {
			return false
		}
		ids, _ := body["session_ids"].([]any)
		return len(ids) == 1 && ids[0] == created.SessionID
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistryStatusErrors(t *testing.T) {
	state := NewState()
	fr, srv := newFakeRegistry(t, state.Secret())
	reg := NewRegistry(srv.URL+"/", state.Secret(), DefaultSource, nil)
	ctx := context.Background()

	fr.respond(PathReset, http.StatusForbidden)
	assert.ErrorIs(t, reg.Reset(ctx), ErrUnauthorized)

	fr.respond(PathHeartbeat, http.StatusServiceUnavailable)
	err := reg.Heartbeat(ctx, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)

	require.NoError(t, reg.RegisterLeader(ctx, "agent one"))
	assert.Equal(t, []string{"agent one"}, fr.agentIDs)
}
