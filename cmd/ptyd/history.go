package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
)

const historyColCommand = 48

func handleHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Number of entries to show")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptyd history [options]")
		fmt.Println()
		fmt.Println("Show recently started terminals recorded by the daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client, err := dialDaemon(ctx, cfg.DaemonAddr())
	if err != nil {
		return err
	}
	defer client.Close()

	var res ptyd.HistoryResult
	if err := client.Call(ctx, ptyd.MethodHistory, ptyd.HistoryParams{Limit: *limit}, &res); err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Entries)
	}
	if len(res.Entries) == 0 {
		fmt.Println("No terminals recorded.")
		return nil
	}
	printHistory(os.Stdout, res.Entries, time.Now())
	return nil
}

func printHistory(w io.Writer, entries []ptyd.HistoryEntry, now time.Time) {
	cols := []column{
		{Title: "SESSION", Width: listColSession},
		{Title: "PID"},
		{Title: "STARTED"},
		{Title: "RAN"},
		{Title: "EXIT"},
		{Title: "COMMAND", Width: historyColCommand},
	}
	cells := make([][]cell, 0, len(entries))
	for _, e := range entries {
		end := now
		if e.EndedAt != nil {
			end = *e.EndedAt
		}
		cells = append(cells, []cell{
			plain(e.ID),
			plain(strconv.Itoa(e.PID)),
			plain(e.StartedAt.Local().Format("Jan 02 15:04")),
			plain(formatAge(max(end.Sub(e.StartedAt), 0))),
			exitCell(e),
			plain(e.Command),
		})
	}
	renderTable(w, cols, cells)
}

func exitCell(e ptyd.HistoryEntry) cell {
	switch {
	case e.EndedAt == nil:
		return styled("running", okStyle)
	case e.ExitCode == nil:
		return plain("-")
	case *e.ExitCode == -1:
		// Closed on daemon restart; the real status was never observed.
		return styled("lost", deadStyle)
	case *e.ExitCode == 0:
		return plain("0")
	default:
		return styled(strconv.Itoa(*e.ExitCode), errStyle)
	}
}
