//go:build !windows

package ptyd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/asheshgoplani/agent-ptyd/internal/platform"
)

// launchStrategy runs the executable directly in a new session so it
// survives the caller's terminal closing.
func launchStrategy(mode platform.LaunchMode) LaunchFunc {
	if mode != platform.LaunchDirect {
		spawnLog.Warn("launch_mode_unsupported", slog.String("mode", string(mode)))
	}
	return launchDirect
}

func launchDirect(exe string, args []string, logPath string) error {
	out, err := openDaemonOutput(logPath)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer out.Close()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = devNull
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
