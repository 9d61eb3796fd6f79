package main

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// TestMain points the state directory at a scratch dir so tests never read
// or write the real ~/.agent-ptyd, and disables colors so table output can
// be compared as text.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ptyd-cmd-test")
	if err != nil {
		panic(err)
	}
	os.Setenv("PTYD_HOME", dir)
	for _, k := range []string{"PTYD_DAEMON_HOST", "PTYD_DAEMON_PORT", "PTYD_BRIDGE_PORT", "PTYD_REGISTRY_URL", "PTYD_BUFFER_ACCESS"} {
		os.Unsetenv(k)
	}
	lipgloss.SetColorProfile(termenv.Ascii)

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}
