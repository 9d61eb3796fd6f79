package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/config"
	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const (
	dialTimeout    = 2 * time.Second
	requestTimeout = 5 * time.Second

	listColSession = 20
	listColCommand = 40
)

// errDaemonDown is returned when nothing listens on the daemon address.
var errDaemonDown = errors.New("daemon is not running")

// sessionRow is one line of list output, from the daemon or the bridge.
type sessionRow struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Category  string    `json:"category"`
	Role      string    `json:"role,omitempty"`
	Label     string    `json:"label,omitempty"`
	Leader    bool      `json:"is_leader"`
	Alive     bool      `json:"alive"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	Command   string    `json:"command,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// dialDaemon connects a one-shot client without reconnection.
func dialDaemon(ctx context.Context, addr string) (*ptyd.Client, error) {
	if !ptyd.ProbeAddr(ctx, addr, dialTimeout) {
		return nil, fmt.Errorf("%w at %s", errDaemonDown, addr)
	}
	client := ptyd.NewClient(ptyd.ClientOptions{
		Addr:           addr,
		DialTimeout:    dialTimeout,
		RequestTimeout: requestTimeout,
	})
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func handleList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	all := fs.Bool("all", false, "Include sessions whose process has exited")
	fs.Usage = func() {
		fmt.Println("Usage: ptyd list [options]")
		fmt.Println()
		fmt.Println("List sessions hosted by the daemon, or by a running 'ptyd serve'")
		fmt.Println("bridge when no daemon is up.")
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

	rows, source, err := collectSessions(ctx, cfg)
	if err != nil {
		return err
	}
	if !*all {
		live := rows[:0]
		for _, r := range rows {
			if r.Alive {
				live = append(live, r)
			}
		}
		rows = live
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"source": source, "sessions": rows})
	}
	if len(rows) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	printSessions(os.Stdout, rows, time.Now())
	return nil
}

// collectSessions asks the daemon first and the local bridge second.
func collectSessions(ctx context.Context, cfg *config.Config) ([]sessionRow, string, error) {
	client, err := dialDaemon(ctx, cfg.DaemonAddr())
	if err == nil {
		defer client.Close()
		var res ptyd.ListResult
		if err := client.Call(ctx, ptyd.MethodList, nil, &res); err != nil {
			return nil, "", fmt.Errorf("list sessions: %w", err)
		}
		rows := make([]sessionRow, 0, len(res.Terminals))
		for _, t := range res.Terminals {
			rows = append(rows, sessionRow{
				SessionID: t.ID,
				PID:       t.PID,
				Category:  t.Category,
				Role:      t.Owner.Role,
				Label:     t.Owner.Label,
				Alive:     t.Alive,
				Cols:      t.Cols,
				Rows:      t.Rows,
				Command:   t.Command,
				Cwd:       t.Cwd,
				CreatedAt: t.CreatedAt,
			})
		}
		return rows, "daemon", nil
	}
	if !errors.Is(err, errDaemonDown) {
		return nil, "", err
	}

	rows, bridgeErr := listFromBridge(ctx, cfg.BridgeAddr())
	if bridgeErr != nil {
		return nil, "", fmt.Errorf("%w; bridge: %v", err, bridgeErr)
	}
	return rows, "bridge", nil
}

func listFromBridge(ctx context.Context, addr string) ([]sessionRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/pty/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: requestTimeout}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Sessions []struct {
			SessionID string         `json:"session_id"`
			PID       int            `json:"pid"`
			Cols      uint16         `json:"cols"`
			Rows      uint16         `json:"rows"`
			Cwd       string         `json:"cwd"`
			Command   string         `json:"command"`
			Category  string         `json:"category"`
			Owner     terminal.Owner `json:"owner"`
			Alive     bool           `json:"alive"`
			IsLeader  bool           `json:"is_leader"`
			CreatedAt time.Time      `json:"created_at"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode bridge list: %w", err)
	}
	rows := make([]sessionRow, 0, len(payload.Sessions))
	for _, s := range payload.Sessions {
		rows = append(rows, sessionRow{
			SessionID: s.SessionID,
			PID:       s.PID,
			Category:  s.Category,
			Role:      string(s.Owner.Role),
			Label:     s.Owner.Label,
			Leader:    s.IsLeader,
			Alive:     s.Alive,
			Cols:      s.Cols,
			Rows:      s.Rows,
			Command:   s.Command,
			Cwd:       s.Cwd,
			CreatedAt: s.CreatedAt,
		})
	}
	return rows, nil
}

func printSessions(w io.Writer, rows []sessionRow, now time.Time) {
	cols := []column{
		{Title: "SESSION", Width: listColSession},
		{Title: "PID"},
		{Title: "ROLE"},
		{Title: "AGE"},
		{Title: "SIZE"},
		{Title: "COMMAND", Width: listColCommand},
	}
	cells := make([][]cell, 0, len(rows))
	for _, r := range rows {
		role := r.Role
		if role == "" {
			role = "-"
		}
		session := plain(r.SessionID)
		switch {
		case r.Leader:
			session = styled(r.SessionID, leaderStyle)
			role = string(terminal.RoleLeader) + " *"
		case !r.Alive:
			session = styled(r.SessionID, deadStyle)
		}
		command := r.Command
		if r.Label != "" {
			command = r.Label + ": " + command
		}
		cells = append(cells, []cell{
			session,
			plain(strconv.Itoa(r.PID)),
			plain(role),
			plain(formatAge(max(now.Sub(r.CreatedAt), 0))),
			plain(fmt.Sprintf("%dx%d", r.Cols, r.Rows)),
			plain(command),
		})
	}
	renderTable(w, cols, cells)
}
