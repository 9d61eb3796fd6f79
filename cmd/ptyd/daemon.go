package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd/server"
	"github.com/asheshgoplani/agent-ptyd/internal/statedb"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const (
	ledgerFileName    = "ledger.db"
	pidFileName       = "daemon.pid"
	daemonLogFile     = "daemon.log"
	controllerLogFile = "ptyd.log"
)

func handleDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	addr := fs.String("addr", "", "Listen address (default from config, 127.0.0.1:47821)")
	noLedger := fs.Bool("no-ledger", false, "Do not record terminal history")
	fs.Usage = func() {
		fmt.Println("Usage: ptyd daemon [options]")
		fmt.Println()
		fmt.Println("Host PTY sessions for controllers. Usually started by 'ptyd serve'.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, stateDir, _, err := loadConfig()
	if err != nil {
		return err
	}
	listenAddr := cfg.DaemonAddr()
	if *addr != "" {
		listenAddr = *addr
	}

	logging.Init(cfg.LoggingConfig(stateDir, daemonLogFile))
	defer logging.Shutdown()
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompDaemon))
	stopDump := watchDumpSignal(stateDir)
	defer stopDump()

	var ledger *statedb.Ledger
	if !*noLedger {
		ledger, err = openLedger(filepath.Join(stateDir, ledgerFileName))
		if err != nil {
			// History is optional; sessions still work without it.
			cliLog.Warn("ledger_unavailable", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "Warning: %v (history disabled)\n", err)
		} else {
			defer ledger.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Addr:    listenAddr,
		Manager: terminal.NewEmbedded(terminal.EmbeddedOptions{}),
		PIDFile: filepath.Join(stateDir, pidFileName),
		Ledger:  ledger,
		Version: Version,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("ptyd daemon listening on %s (pid %d)\n", srv.Addr(), os.Getpid())

	<-srv.Done()
	return srv.Stop()
}

func openLedger(path string) (*statedb.Ledger, error) {
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
