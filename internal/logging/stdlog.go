package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// categoryAliases maps "[CATEGORY]" prefixes seen in stdlib log output to
// component names.
var categoryAliases = map[string]string{
	"pty":           CompTerminal,
	"pty-manager":   CompTerminal,
	"embedded":      CompTerminal,
	"ptyd":          CompDaemon,
	"daemon-client": CompDaemon,
	"transport":     CompDaemon,
	"spawn":         CompSpawner,
	"http":          CompBridge,
	"control":       CompBridge,
	"mcp-core":      CompRegistry,
	"leader":        CompRegistry,
	"storage":       CompPersist,
	"session-store": CompPersist,
	"statedb":       CompLedger,
	"main":          CompCLI,
}

// BridgeWriter is an io.Writer for log.SetOutput. Each write becomes one
// structured record; a "[CATEGORY] " prefix selects the component.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter returns a writer that tags uncategorized lines with
// defaultComponent.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

func (bw *BridgeWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	component, msg := splitCategory(stripLogTimestamp(line), bw.component)

	lvl := slog.LevelInfo
	if lower := strings.ToLower(msg); strings.Contains(lower, "error") || strings.Contains(lower, "panic") {
		lvl = slog.LevelWarn
	}
	Logger().Log(context.Background(), lvl, msg, slog.String("component", component))
	return len(p), nil
}

func splitCategory(line, fallback string) (component, msg string) {
	if !strings.HasPrefix(line, "[") {
		return fallback, line
	}
	end := strings.Index(line, "] ")
	if end <= 1 {
		return fallback, line
	}
	return canonicalComponent(strings.ToLower(line[1:end])), line[end+2:]
}

// stripLogTimestamp drops a leading "15:04:05" or "15:04:05.000000" stamp
// left by log.Ltime flags.
func stripLogTimestamp(s string) string {
	if len(s) < 9 || s[2] != ':' || s[5] != ':' {
		return s
	}
	rest := s[8:]
	if strings.HasPrefix(rest, ".") && len(rest) > 8 && rest[7] == ' ' {
		return rest[8:]
	}
	if strings.HasPrefix(rest, " ") {
		return rest[1:]
	}
	return s
}

func canonicalComponent(cat string) string {
	if c, ok := categoryAliases[cat]; ok {
		return c
	}
	return cat
}
