package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// errUsage is returned after a flag set already printed its usage.
var errUsage = errors.New("usage")

// normalizeArgs moves flags ahead of positional arguments. The flag
// package stops at the first positional, so "list --all --json" and
// "attach shell-1a2b3c4d --json" must parse alike.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	takesValue := func(arg string) bool {
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			return false
		}
		f := fs.Lookup(name)
		if f == nil {
			return true
		}
		bf, ok := f.Value.(interface{ IsBoolFlag() bool })
		return !ok || !bf.IsBoolFlag()
	}

	out := make([]string, 0, len(args))
	var rest []string
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--":
			rest = append(rest, args[i+1:]...)
			i = len(args)
		case len(arg) > 1 && arg[0] == '-':
			out = append(out, arg)
			if takesValue(arg) && i+1 < len(args) {
				i++
				out = append(out, args[i])
			}
		default:
			rest = append(rest, arg)
		}
	}
	return append(out, rest...)
}

// parseFlags parses args into fs, mapping -h and bad flags to errUsage.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return errUsage
	}
	return nil
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// loadConfig resolves the state directory and reads the config file from it.
// A broken config file is reported and the defaults are used.
func loadConfig() (*config.Config, string, string, error) {
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, "", "", fmt.Errorf("create state dir: %w", err)
	}
	path, err := config.Path()
	if err != nil {
		return nil, "", "", err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		if cfg == nil {
			return nil, "", "", err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	return cfg, stateDir, path, nil
}

// parseSpawnSpec turns a --spawn value into a spec. The value is a command
// line, optionally prefixed with "label=" or "agent@label=". The agent part
// names the owning agent, which the registry sees for the leader.
func parseSpawnSpec(value, cwd string) (terminal.Spec, error) {
	value = strings.TrimSpace(value)
	var agent, label string
	if i := strings.Index(value, "="); i > 0 && !strings.ContainsAny(value[:i], " \t/") {
		label, value = value[:i], strings.TrimSpace(value[i+1:])
		if a, l, ok := strings.Cut(label, "@"); ok {
			agent, label = a, l
		}
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return terminal.Spec{}, fmt.Errorf("empty --spawn command")
	}
	return terminal.Spec{
		Command: fields[0],
		Args:    fields[1:],
		Cwd:     cwd,
		Title:   label,
		Owner:   terminal.Owner{AgentID: agent, Label: label},
	}, nil
}

// truncate shortens s to width display cells, ending in "…" when cut.
func truncate(s string, width int) string {
	if width <= 0 || displayWidth(s) <= width {
		return s
	}
	return truncateWidth(s, width-1) + "…"
}
