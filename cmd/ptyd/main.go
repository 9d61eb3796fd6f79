package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.4.0"

func init() {
	initColorProfile()
}

// initColorProfile picks the lipgloss color profile for table output.
func initColorProfile() {
	// PTYD_COLOR: truecolor, 256, 16, none
	switch strings.ToLower(os.Getenv("PTYD_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 0
	}

	var err error
	switch args[0] {
	case "serve":
		err = handleServe(args[1:])
	case "daemon":
		err = handleDaemon(args[1:])
	case "list", "ls":
		err = handleList(args[1:])
	case "history":
		err = handleHistory(args[1:])
	case "attach":
		err = handleAttach(args[1:])
	case "spawn":
		err = handleSpawn(args[1:])
	case "kill":
		err = handleKill(args[1:])
	case "resize":
		err = handleResize(args[1:])
	case "reset":
		err = handleReset(args[1:])
	case "owner":
		err = handleOwner(args[1:])
	case "forget":
		err = handleForget(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("ptyd v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		return 2
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printHelp() {
	fmt.Printf("ptyd v%s\n", Version)
	fmt.Println("PTY session control plane for AI coding agents")
	fmt.Println()
	fmt.Println("Usage: ptyd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Run the control bridge (daemon-backed, embedded fallback)")
	fmt.Println("  daemon             Run the PTY daemon in the foreground")
	fmt.Println("  list               List live sessions")
	fmt.Println("  history            Show the daemon's terminal ledger")
	fmt.Println("  attach <session>   Attach the local terminal to a session (Ctrl+Q detaches)")
	fmt.Println("  spawn <command>    Create a session in the running serve")
	fmt.Println("  kill <session>     Terminate a session (the leader is protected)")
	fmt.Println("  resize <s> <c> <r> Resize a session")
	fmt.Println("  reset --yes        Kill every session and clear the leader")
	fmt.Println("  owner <s> <agent>  Set the owner agent of a saved session record")
	fmt.Println("  forget <session>   Kill a session and delete its saved record")
	fmt.Println("  version            Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PTYD_HOME          State directory (default ~/.agent-ptyd)")
	fmt.Println("  PTYD_DAEMON_HOST   Daemon host override")
	fmt.Println("  PTYD_DAEMON_PORT   Daemon port override")
	fmt.Println("  PTYD_BRIDGE_PORT   Bridge port override")
	fmt.Println("  PTYD_REGISTRY_URL  Session registry base URL (empty disables registration)")
	fmt.Println("  PTYD_BUFFER_ACCESS Initial buffer access mode (off|on)")
	fmt.Println("  PTYD_PROJECT_ROOT  Working directory for sessions created without one")
	fmt.Println("  PTYD_COLOR         Table colors: truecolor, 256, 16, none")
}
