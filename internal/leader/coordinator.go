package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// ErrLeaderProtected is returned instead of killing the leader session.
var ErrLeaderProtected = errors.New("leader session is protected")

var errRecoveryThrottled = errors.New("registry recovery throttled")

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSource            = "ptyd"

	registerAttempts    = 2
	unregisterAttempts  = 3
	registryCallTimeout = 10 * time.Second
	unregisterBackoff   = 200 * time.Millisecond
)

// Options configures a Coordinator.
type Options struct {
	Manager terminal.Manager
	State   *State
	// Registry may be nil, which disables registration.
	Registry          *Registry
	BridgeURL         string
	HeartbeatInterval time.Duration
}

// Coordinator is the embedding application's control surface: it creates
// sessions (assigning the leader), refuses to kill the leader, and keeps the
// registry in sync.
type Coordinator struct {
	mgr   terminal.Manager
	state *State
	reg   *Registry
	opts  Options

	createMu sync.Mutex

	recoverGroup singleflight.Group
	limiter      *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewCoordinator wires a coordinator onto a manager.
func NewCoordinator(opts Options) *Coordinator {
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Coordinator{
		mgr:     opts.Manager,
		state:   opts.State,
		reg:     opts.Registry,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
		cancel:  func() {},
	}
}

// State exposes the leader state.
func (c *Coordinator) State() *State {
	return c.state
}

// Start announces the secret and begins following exits and sending
// heartbeats.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel

		if c.reg != nil {
			callCtx, callCancel := context.WithTimeout(ctx, registryCallTimeout)
			if err := c.reg.RegisterSecret(callCtx); err != nil {
				regLog.Warn("secret_register_failed", slog.String("error", err.Error()))
			} else {
				c.state.setSecretAccepted(true)
			}
			callCancel()
		}

		events, unsubscribe := c.mgr.Subscribe()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer unsubscribe()
			c.followExits(runCtx, events)
		}()

		if c.reg != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.heartbeatLoop(runCtx)
			}()
		}
	})
}

// Stop ends the background loops.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// Create spawns a session. The first creation since start or ResetAll is
// the leader regardless of spec.Owner.Role; the role hint only contributes
// the owner agent id.
func (c *Coordinator) Create(ctx context.Context, spec terminal.Spec) (*terminal.Created, bool, error) {
	c.createMu.Lock()
	isLeader := !c.state.HasLeader()
	if isLeader {
		spec.Owner.Role = terminal.RoleLeader
	} else {
		spec.Owner.Role = terminal.RoleWorker
	}
	created, err := c.mgr.Create(ctx, spec)
	if err != nil {
		c.createMu.Unlock()
		return nil, false, err
	}
	if isLeader {
		c.state.Claim(created.SessionID, created.ID, spec.Owner.AgentID)
		regLog.Info("leader_assigned",
			slog.String("session_id", created.SessionID),
			slog.String("agent_id", spec.Owner.AgentID))
	}
	c.createMu.Unlock()

	if c.reg != nil {
		if isLeader && spec.Owner.AgentID != "" {
			c.announceLeader(ctx, spec.Owner.AgentID)
		}
		reg := c.registration(created.SessionID, created.PID, created.Category, spec.Owner)
		err := c.withAuth(ctx, registerAttempts, false, func(ctx context.Context) error {
			return c.reg.Register(ctx, reg)
		})
		if err != nil {
			regLog.Warn("session_register_failed",
				slog.String("session_id", created.SessionID),
				slog.String("error", err.Error()))
		}
	}
	return created, isLeader, nil
}

// Kill terminates a session unless it is the leader.
func (c *Coordinator) Kill(ctx context.Context, sessionOrID string) error {
	id, err := c.mgr.Resolve(ctx, sessionOrID)
	if err != nil {
		return err
	}
	if leaderID := c.state.LeaderID(); leaderID != "" && id == leaderID {
		regLog.Warn("leader_kill_blocked", slog.String("id", sessionOrID))
		return ErrLeaderProtected
	}
	return c.mgr.Kill(ctx, id)
}

// Resize forwards to the manager.
func (c *Coordinator) Resize(ctx context.Context, sessionOrID string, cols, rows uint16) error {
	id, err := c.mgr.Resolve(ctx, sessionOrID)
	if err != nil {
		return err
	}
	return c.mgr.Resize(ctx, id, cols, rows)
}

// ResetAll kills every session, the leader included, clears the leader and
// tells the registry to forget this source.
func (c *Coordinator) ResetAll(ctx context.Context) error {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	var errs []error
	infos, err := c.mgr.List(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, info := range infos {
		if err := c.mgr.Kill(ctx, info.ID); err != nil && !errors.Is(err, terminal.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}

	agentID := c.state.LeaderAgentID()
	c.state.Reset()
	regLog.Info("leader_reset", slog.Int("killed", len(infos)))

	if c.reg != nil {
		if err := c.withAuth(ctx, registerAttempts, false, c.reg.Reset); err != nil {
			errs = append(errs, err)
		}
		if agentID != "" {
			err := c.withAuth(ctx, registerAttempts, false, func(ctx context.Context) error {
				return c.reg.DeregisterLeader(ctx, agentID)
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) registration(sessionID string, pid int, category string, owner terminal.Owner) Registration {
	role := terminal.RoleWorker
	if sessionID == c.state.LeaderSessionID() {
		role = terminal.RoleLeader
	}
	return Registration{
		SessionID:    sessionID,
		BridgeURL:    c.opts.BridgeURL,
		CLIType:      category,
		PID:          pid,
		OwnerAgentID: owner.AgentID,
		OwnerRole:    string(role),
		Label:        owner.Label,
	}
}

func (c *Coordinator) announceLeader(ctx context.Context, agentID string) {
	err := c.withAuth(ctx, registerAttempts, false, func(ctx context.Context) error {
		return c.reg.RegisterLeader(ctx, agentID)
	})
	if err != nil {
		regLog.Warn("leader_register_failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

// withAuth runs op up to attempts times. A 403 triggers secret recovery
// before the next attempt; other errors are retried only when retryAll is
// set.
func (c *Coordinator) withAuth(ctx context.Context, attempts int, retryAll bool, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
		err = op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if errors.Is(err, ErrUnauthorized) {
			c.state.setSecretAccepted(false)
			if rerr := c.recover(ctx); rerr != nil {
				regLog.Warn("registry_recovery_failed", slog.String("error", rerr.Error()))
				if errors.Is(rerr, errRecoveryThrottled) {
					return err
				}
			}
			continue
		}
		if !retryAll {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(unregisterBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// recover re-registers the secret, re-announces the leader and re-registers
// every live session. Concurrent callers share one attempt.
func (c *Coordinator) recover(ctx context.Context) error {
	_, err, _ := c.recoverGroup.Do("recover", func() (any, error) {
		if !c.limiter.Allow() {
			return nil, errRecoveryThrottled
		}
		regLog.Info("registry_recovering")

		callCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
		err := c.reg.RegisterSecret(callCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		c.state.setSecretAccepted(true)

		if agentID := c.state.LeaderAgentID(); agentID != "" {
			callCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
			if err := c.reg.RegisterLeader(callCtx, agentID); err != nil {
				regLog.Warn("leader_reannounce_failed", slog.String("error", err.Error()))
			}
			cancel()
		}

		c.resync(ctx)
		return nil, nil
	})
	return err
}

func (c *Coordinator) resync(ctx context.Context) {
	infos, err := c.mgr.List(ctx)
	if err != nil {
		regLog.Warn("registry_resync_list_failed", slog.String("error", err.Error()))
		return
	}
	failed := 0
	for _, info := range infos {
		callCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
		err := c.reg.Register(callCtx, c.registration(info.SessionID, info.PID, info.Category, info.Owner))
		cancel()
		if err != nil {
			failed++
		}
	}
	regLog.Info("registry_resynced", slog.Int("sessions", len(infos)), slog.Int("failed", failed))
}

func (c *Coordinator) followExits(ctx context.Context, events <-chan terminal.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != terminal.EventExit || c.reg == nil {
				continue
			}
			c.unregister(ctx, ev.SessionID)
		}
	}
}

func (c *Coordinator) unregister(ctx context.Context, sessionID string) {
	err := c.withAuth(ctx, unregisterAttempts, true, func(ctx context.Context) error {
		return c.reg.Unregister(ctx, sessionID)
	})
	if err != nil {
		regLog.Warn("session_unregister_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	regLog.Debug("session_unregistered", slog.String("session_id", sessionID))
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	infos, err := c.mgr.List(ctx)
	if err != nil {
		regLog.Warn("heartbeat_list_failed", slog.String("error", err.Error()))
		return
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.SessionID)
	}
	err = c.withAuth(ctx, registerAttempts, false, func(ctx context.Context) error {
		return c.reg.Heartbeat(ctx, ids)
	})
	if err != nil {
		regLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
	}
}
