package ptyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/platform"
)

var spawnLog = logging.ForComponent(logging.CompSpawner)

const (
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultStartupTimeout = 10 * time.Second
)

// ErrStartupTimeout is returned when a spawned daemon never becomes
// reachable.
var ErrStartupTimeout = errors.New("daemon did not become reachable")

// LaunchFunc starts the daemon process detached from the caller.
type LaunchFunc func(exe string, args []string, logPath string) error

// SpawnerOptions configures a Spawner.
type SpawnerOptions struct {
	Addr string
	// Executable defaults to the running binary.
	Executable string
	// Args are passed to Executable, e.g. ["daemon"].
	Args []string
	// LogPath receives the daemon's stdout and stderr. Empty discards them.
	LogPath        string
	ProbeTimeout   time.Duration
	PollInterval   time.Duration
	StartupTimeout time.Duration
	// Launch overrides the platform launch strategy.
	Launch LaunchFunc
}

// Spawner ensures a daemon is listening on Addr. Concurrent EnsureRunning
// calls share a single spawn attempt.
type Spawner struct {
	opts     SpawnerOptions
	group    singleflight.Group
	launches atomic.Int32
}

// NewSpawner returns a spawner with defaults applied.
func NewSpawner(opts SpawnerOptions) *Spawner {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.Launch == nil {
		opts.Launch = launchStrategy(platform.DaemonLaunchMode())
	}
	return &Spawner{opts: opts}
}

// Launches reports how many spawn attempts were made.
func (s *Spawner) Launches() int {
	return int(s.launches.Load())
}

// Probe reports whether something accepts TCP connections on Addr.
func (s *Spawner) Probe(ctx context.Context) bool {
	return ProbeAddr(ctx, s.opts.Addr, s.opts.ProbeTimeout)
}

// ProbeAddr connects to addr and closes immediately.
func ProbeAddr(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EnsureRunning returns nil once the daemon is reachable, spawning it if
// necessary.
func (s *Spawner) EnsureRunning(ctx context.Context) error {
	if s.Probe(ctx) {
		return nil
	}
	ch := s.group.DoChan("spawn", func() (any, error) {
		return nil, s.spawnAndWait()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Spawner) spawnAndWait() error {
	// The shared attempt must not be cut short by the first caller's ctx.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StartupTimeout)
	defer cancel()

	if s.Probe(ctx) {
		return nil
	}

	exe := s.opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}

	s.launches.Add(1)
	spawnLog.Info("daemon_spawning",
		slog.String("exe", exe),
		slog.String("addr", s.opts.Addr),
		slog.String("platform", platform.Detect().String()))
	if err := s.opts.Launch(exe, s.opts.Args, s.opts.LogPath); err != nil {
		spawnLog.Error("daemon_spawn_failed", slog.String("error", err.Error()))
		return fmt.Errorf("launch daemon: %w", err)
	}

	return s.waitReady(ctx)
}

func (s *Spawner) waitReady(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if s.Probe(ctx) {
			spawnLog.Info("daemon_ready", slog.Duration("waited", time.Since(start)))
			return nil
		}
		select {
		case <-ctx.Done():
			spawnLog.Error("daemon_startup_timeout", slog.Duration("timeout", s.opts.StartupTimeout))
			return fmt.Errorf("%w at %s within %s", ErrStartupTimeout, s.opts.Addr, s.opts.StartupTimeout)
		case <-ticker.C:
		}
	}
}

func openDaemonOutput(logPath string) (*os.File, error) {
	if logPath == "" {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
