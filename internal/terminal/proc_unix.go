//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"
)

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// terminate signals the whole process group; pty.Start makes the child a
// session leader so its pid is the group id.
func terminate(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

func forceKill(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}
