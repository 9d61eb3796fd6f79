//go:build windows

package ptyd

import (
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/asheshgoplani/agent-ptyd/internal/platform"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// launchStrategy goes through the cmd.exe start wrapper so the daemon is not
// tied to the caller's console.
func launchStrategy(mode platform.LaunchMode) LaunchFunc {
	if mode != platform.LaunchShellWrapper {
		spawnLog.Warn("launch_mode_unsupported", slog.String("mode", string(mode)))
	}
	return launchViaShell
}

func launchViaShell(exe string, args []string, logPath string) error {
	out, err := openDaemonOutput(logPath)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer out.Close()

	shellArgs := append([]string{"/C", "start", "/B", "", exe}, args...)
	cmd := exec.Command("cmd.exe", shellArgs...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess,
		HideWindow:    true,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
