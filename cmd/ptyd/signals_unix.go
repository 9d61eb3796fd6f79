//go:build !windows

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
)

// watchDumpSignal dumps the log ring buffer into stateDir on SIGUSR1.
func watchDumpSignal(stateDir string) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				path := filepath.Join(stateDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
				if err := logging.DumpRingBuffer(path); err != nil {
					cliLog.Warn("ring_buffer_dump_failed", slog.String("error", err.Error()))
					continue
				}
				cliLog.Info("ring_buffer_dumped", slog.String("path", path))
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
