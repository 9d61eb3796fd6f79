package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when the pidfile names a live process.
var ErrAlreadyRunning = errors.New("daemon already running")

// AcquirePIDFile writes the current pid to path, failing if another live
// process holds it. Stale files are replaced.
func AcquirePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if pid, err := ReadPIDFile(path); err == nil {
		if pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w with pid %d", ErrAlreadyRunning, pid)
		}
		_ = os.Remove(path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReleasePIDFile removes path if it still names this process.
func ReleasePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}
