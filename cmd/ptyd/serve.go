package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-ptyd/internal/bridge"
	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/leader"
	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/persist"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

var cliLog = logging.ForComponent(logging.CompCLI)

const shutdownTimeout = 5 * time.Second

func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	embedded := fs.Bool("embedded", false, "Host sessions in-process instead of using the daemon")
	port := fs.Int("port", 0, "Bridge port (overrides config and PTYD_BRIDGE_PORT)")
	cwd := fs.String("cwd", "", "Working directory for --spawn sessions (default $PTYD_PROJECT_ROOT)")
	var spawns stringList
	fs.Var(&spawns, "spawn", "Create a session at startup, [[agent@]label=]command (repeatable; the first is the leader)")
	fs.Usage = func() {
		fmt.Println("Usage: ptyd serve [options]")
		fmt.Println()
		fmt.Println("Run the control bridge. Sessions are hosted by the daemon when it is")
		fmt.Println("reachable (started on demand when auto_start is set), otherwise in-process.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  ptyd serve")
		fmt.Println("  ptyd serve --spawn agent-1@lead=claude --spawn 'codex --full-auto'")
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, stateDir, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Bridge.Port = *port
	}

	logging.Init(cfg.LoggingConfig(stateDir, controllerLogFile))
	defer logging.Shutdown()
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompBridge))
	stopDump := watchDumpSignal(stateDir)
	defer stopDump()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := bridge.Listen(cfg.Bridge.Host, cfg.Bridge.Port)
	if err != nil {
		return err
	}
	bridgeURL := bridge.URL(ln)

	store := persist.NewStore(cfg.PersistDir(stateDir))
	if err := store.Initialize(); err != nil {
		ln.Close()
		return fmt.Errorf("initialize session store: %w", err)
	}

	mgr, client := openManager(ctx, cfg, stateDir, store, bridgeURL, *embedded)
	scroll := terminal.NewScrollback(mgr, store, terminal.DefaultFlushInterval)

	access := config.NewAccessSwitch(cfg.InitialAccessMode())
	watcher, err := config.NewWatcher(cfgPath, config.Chain(config.ApplyAccessMode(access), config.ApplyLogLevel()))
	if err != nil {
		cliLog.Warn("config_watch_failed", slog.String("error", err.Error()))
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	state := leader.NewState()
	var registry *leader.Registry
	if cfg.Registry.URL != "" {
		registry = leader.NewRegistry(cfg.Registry.URL, state.Secret(), leader.DefaultSource, nil)
	}
	coord := leader.NewCoordinator(leader.Options{
		Manager:           mgr,
		State:             state,
		Registry:          registry,
		BridgeURL:         bridgeURL,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	coord.Start(ctx)

	srv := bridge.New(bridge.Options{
		Manager:  mgr,
		Leader:   state,
		Access:   access,
		Frontend: bridge.NewScrollbackFrontend(scroll),
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	ctl, ctlPath, err := startControl(stateDir, mgr, coord, store, serveErr)
	if err != nil {
		cliLog.Warn("control_unavailable", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Warning: control endpoint unavailable (%v)\n", err)
	}

	cliLog.Info("serve_started",
		slog.String("bridge_url", bridgeURL),
		slog.String("mode", string(mgr.Mode())),
		slog.String("access_mode", string(access.Mode())),
		slog.Bool("registry", registry != nil))
	fmt.Printf("ptyd bridge listening on %s (%s mode, buffer access %s)\n", bridgeURL, mgr.Mode(), access.Mode())

	for _, s := range spawns {
		spec, err := parseSpawnSpec(s, *cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		created, isLeader, err := coord.Create(ctx, spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: spawn %q: %v\n", s, err)
			continue
		}
		role := terminal.RoleWorker
		if isLeader {
			role = terminal.RoleLeader
		}
		fmt.Printf("  %s  pid %d  %s\n", created.SessionID, created.PID, role)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}
	cliLog.Info("serve_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ctl != nil {
		_ = os.Remove(ctlPath)
		if err := ctl.Shutdown(shutdownCtx); err != nil {
			cliLog.Warn("control_shutdown_failed", slog.String("error", err.Error()))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cliLog.Warn("bridge_shutdown_failed", slog.String("error", err.Error()))
	}
	// Embedded sessions die with the process; daemon sessions keep running.
	_ = mgr.Close()
	coord.Stop()
	scroll.Close()
	if client != nil {
		_ = client.Close()
	}
	if err := store.Close(); err != nil {
		cliLog.Warn("store_close_failed", slog.String("error", err.Error()))
	}
	return runErr
}

// startControl serves the loopback control endpoint and publishes its
// address and token in the state directory for the spawn, kill, resize,
// reset, owner and forget commands.
func startControl(stateDir string, mgr terminal.Manager, coord *leader.Coordinator, store *persist.Store, serveErr chan<- error) (*bridge.ControlServer, string, error) {
	ln, err := bridge.ListenControl()
	if err != nil {
		return nil, "", err
	}
	token := uuid.NewString()
	ctl := bridge.NewControl(bridge.ControlOptions{
		Manager:    mgr,
		Controller: coord,
		Records:    store,
		Token:      token,
	})
	path := controlFilePath(stateDir)
	ep := bridge.ControlEndpoint{URL: bridge.URL(ln), Token: token, PID: os.Getpid()}
	if err := bridge.WriteControlFile(path, ep); err != nil {
		ln.Close()
		return nil, "", fmt.Errorf("write control file: %w", err)
	}
	go func() {
		if err := ctl.Serve(ln); err != nil {
			select {
			case serveErr <- err:
			default:
			}
		}
	}()
	return ctl, path, nil
}

// openManager prefers the daemon and falls back to an in-process manager.
func openManager(ctx context.Context, cfg *config.Config, stateDir string, store *persist.Store, bridgeURL string, forceEmbedded bool) (terminal.Manager, *ptyd.Client) {
	if !forceEmbedded {
		mgr, client, err := connectDaemon(ctx, cfg, stateDir, store, bridgeURL)
		if err == nil {
			return mgr, client
		}
		cliLog.Warn("degraded_mode", slog.String("daemon", cfg.DaemonAddr()), slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Warning: daemon unavailable (%v); hosting sessions in-process\n", err)
	}
	return terminal.NewEmbedded(terminal.EmbeddedOptions{Store: store, BridgeURL: bridgeURL, DefaultCwd: cfg.ProjectRoot}), nil
}

func connectDaemon(ctx context.Context, cfg *config.Config, stateDir string, store *persist.Store, bridgeURL string) (terminal.Manager, *ptyd.Client, error) {
	addr := cfg.DaemonAddr()
	if cfg.AutoStart() {
		spawner := ptyd.NewSpawner(ptyd.SpawnerOptions{
			Addr:           addr,
			Args:           []string{"daemon"},
			LogPath:        filepath.Join(stateDir, "daemon.out"),
			StartupTimeout: cfg.StartupTimeout(),
		})
		if err := spawner.EnsureRunning(ctx); err != nil {
			return nil, nil, fmt.Errorf("start daemon: %w", err)
		}
	}

	client := ptyd.NewClient(ptyd.ClientOptions{Addr: addr, AutoReconnect: true})
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	remote, err := terminal.NewRemote(ctx, client, terminal.RemoteOptions{Store: store, BridgeURL: bridgeURL, DefaultCwd: cfg.ProjectRoot})
	if err != nil {
		_ = client.Close()
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("subscribe to daemon: %w", err)
	}
	return remote, client, nil
}
