package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/bridge"
	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const controlTimeout = 15 * time.Second

// controlFilePath is where a running serve publishes its control endpoint.
func controlFilePath(stateDir string) string {
	return filepath.Join(stateDir, bridge.ControlFileName)
}

// dialControl reads the control file of the running serve.
func dialControl() (*bridge.ControlClient, error) {
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	ep, err := bridge.ReadControlFile(controlFilePath(stateDir))
	if err != nil {
		return nil, err
	}
	return bridge.NewControlClient(ep, nil), nil
}

// controlCommand parses flags, checks the positional count and runs fn
// against the running serve.
func controlCommand(fs *flag.FlagSet, args []string, nargs int, fn func(ctx context.Context, c *bridge.ControlClient, args []string) error) error {
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if nargs >= 0 && fs.NArg() != nargs {
		fs.Usage()
		return errUsage
	}
	client, err := dialControl()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return fn(ctx, client, fs.Args())
}

func controlUsage(fs *flag.FlagSet, usage, about string) {
	fs.Usage = func() {
		fmt.Println("Usage: ptyd " + usage)
		fmt.Println()
		fmt.Println(about)
		if strings.Contains(usage, "[options]") {
			fmt.Println()
			fmt.Println("Options:")
			fs.PrintDefaults()
		}
	}
}

func handleSpawn(args []string) error {
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	cwd := fs.String("cwd", "", "Working directory (default: the serve's project root)")
	cols := fs.Uint("cols", 0, "Initial columns")
	rows := fs.Uint("rows", 0, "Initial rows")
	controlUsage(fs, "spawn [options] [[agent@]label=]command [args...]",
		"Create a session in the running serve. The first session becomes the leader.\nPut the command after -- when it takes flags of its own.")
	return controlCommand(fs, args, -1, func(ctx context.Context, c *bridge.ControlClient, rest []string) error {
		if len(rest) == 0 {
			fs.Usage()
			return errUsage
		}
		spec, err := parseSpawnSpec(strings.Join(rest, " "), *cwd)
		if err != nil {
			return err
		}
		res, err := c.Spawn(ctx, bridge.SpawnRequest{
			Command: spec.Command,
			Args:    spec.Args,
			Cwd:     spec.Cwd,
			Cols:    uint16(*cols),
			Rows:    uint16(*rows),
			Title:   spec.Title,
			AgentID: spec.Owner.AgentID,
			Label:   spec.Owner.Label,
		})
		if err != nil {
			return err
		}
		role := terminal.RoleWorker
		if res.IsLeader {
			role = terminal.RoleLeader
		}
		fmt.Printf("%s  pid %d  %s\n", res.SessionID, res.PID, role)
		return nil
	})
}

func handleKill(args []string) error {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	controlUsage(fs, "kill <session>", "Terminate a session. The leader is protected; use 'ptyd reset'.")
	return controlCommand(fs, args, 1, func(ctx context.Context, c *bridge.ControlClient, rest []string) error {
		if err := c.Kill(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Printf("Killed %s\n", rest[0])
		return nil
	})
}

func handleResize(args []string) error {
	fs := flag.NewFlagSet("resize", flag.ContinueOnError)
	controlUsage(fs, "resize <session> <cols> <rows>", "Resize a session's terminal.")
	return controlCommand(fs, args, 3, func(ctx context.Context, c *bridge.ControlClient, rest []string) error {
		cols, err := strconv.ParseUint(rest[1], 10, 16)
		if err != nil || cols == 0 {
			return fmt.Errorf("invalid cols %q", rest[1])
		}
		rows, err := strconv.ParseUint(rest[2], 10, 16)
		if err != nil || rows == 0 {
			return fmt.Errorf("invalid rows %q", rest[2])
		}
		return c.Resize(ctx, rest[0], uint16(cols), uint16(rows))
	})
}

func handleReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "Confirm killing every session, the leader included")
	controlUsage(fs, "reset [options]", "Kill every session, clear the leader and reset the registry.")
	return controlCommand(fs, args, 0, func(ctx context.Context, c *bridge.ControlClient, _ []string) error {
		if !*yes {
			return fmt.Errorf("reset kills every session including the leader; pass --yes to confirm")
		}
		if err := c.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("All sessions reset")
		return nil
	})
}

func handleOwner(args []string) error {
	fs := flag.NewFlagSet("owner", flag.ContinueOnError)
	controlUsage(fs, "owner <session> <agent-id>", "Set the owner agent on a session's saved record.")
	return controlCommand(fs, args, 2, func(ctx context.Context, c *bridge.ControlClient, rest []string) error {
		return c.SetOwner(ctx, rest[0], rest[1])
	})
}

func handleForget(args []string) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	controlUsage(fs, "forget <session>", "Kill a session if it is running and delete its saved record and scrollback.")
	return controlCommand(fs, args, 1, func(ctx context.Context, c *bridge.ControlClient, rest []string) error {
		killed, err := c.Forget(ctx, rest[0])
		if err != nil {
			return err
		}
		if killed {
			fmt.Printf("Killed and forgot %s\n", rest[0])
		} else {
			fmt.Printf("Forgot %s\n", rest[0])
		}
		return nil
	})
}
