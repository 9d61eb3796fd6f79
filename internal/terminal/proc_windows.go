//go:build windows

package terminal

import (
	"os"
	"os/exec"
)

func defaultShell() string {
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return comspec
	}
	return "cmd.exe"
}

func terminate(cmd *exec.Cmd) {
	forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
