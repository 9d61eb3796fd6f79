package bridge

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

// collector gathers output for one session from the manager's event stream.
// It is owned by a single request goroutine.
type collector struct {
	id       string
	events   <-chan terminal.Event
	cancel   func()
	buf      []byte
	exited   bool
	exitCode int

	// pending holds events read ahead by addBuffered.
	pending []terminal.Event
}

// overlapSettle is how long addBuffered waits for events published before
// BufferedData returned to reach the subscription.
const overlapSettle = 20 * time.Millisecond

func newCollector(mgr terminal.Manager, id string) *collector {
	events, cancel := mgr.Subscribe()
	return &collector{id: id, events: events, cancel: cancel}
}

func (c *collector) close() {
	c.cancel()
}

func (c *collector) add(data []byte) {
	c.buf = append(c.buf, data...)
	if over := len(c.buf) - terminal.LiveBufferCap; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
}

// addBuffered adds early output taken with BufferedData after the
// subscription was opened. Chunks published between the two calls are both
// in early (as its suffix) and queued on the subscription; those queued
// copies are dropped.
func (c *collector) addBuffered(early []byte) {
	c.add(early)
	if len(early) == 0 {
		return
	}

	var queued []terminal.Event
	timer := time.NewTimer(overlapSettle)
	defer timer.Stop()
drain:
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				break drain
			}
			queued = append(queued, ev)
		case <-timer.C:
			break drain
		}
	}

	var chunks [][]byte
	for _, ev := range queued {
		if ev.ID != c.id {
			continue
		}
		if ev.Type != terminal.EventData {
			break
		}
		chunks = append(chunks, ev.Data)
	}
	skip := overlappingChunks(early, chunks)
	for _, ev := range queued {
		if skip > 0 && ev.ID == c.id && ev.Type == terminal.EventData {
			skip--
			continue
		}
		c.pending = append(c.pending, ev)
	}
}

// overlappingChunks returns the largest k for which chunks[:k] joined is a
// suffix of early.
func overlappingChunks(early []byte, chunks [][]byte) int {
	best, size := 0, 0
	var joined []byte
	for i, chunk := range chunks {
		size += len(chunk)
		if size > len(early) {
			break
		}
		joined = append(joined, chunk...)
		if bytes.Equal(early[len(early)-size:], joined) {
			best = i + 1
		}
	}
	return best
}

// collect consumes events until deadline, ctx cancellation, process exit, or
// stop returning true. It reports whether stop was satisfied.
func (c *collector) collect(ctx context.Context, deadline time.Time, stop func([]byte) bool) bool {
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		if done, satisfied := c.handle(ev, stop); done {
			return satisfied
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case ev, ok := <-c.events:
			if !ok {
				return false
			}
			if done, satisfied := c.handle(ev, stop); done {
				return satisfied
			}
		}
	}
}

func (c *collector) handle(ev terminal.Event, stop func([]byte) bool) (done, satisfied bool) {
	if ev.ID != c.id {
		return false, false
	}
	switch ev.Type {
	case terminal.EventData:
		c.add(ev.Data)
		if stop != nil && stop(c.buf) {
			return true, true
		}
	case terminal.EventExit:
		c.exited = true
		c.exitCode = ev.ExitCode
		return true, stop != nil && stop(c.buf)
	}
	return false, false
}

// cleanText strips escape sequences and normalizes line endings.
func cleanText(raw []byte) string {
	text := ansi.Strip(string(raw))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "")
}

const sentinelPrefix = "__PTYD_"

var sentinelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{6,64}$`)

// newSentinel returns "__PTYD_<12 hex>__".
func newSentinel() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return sentinelPrefix + hex[:12] + "__"
}

// typedSentinel is the form written to the shell. The empty quotes split the
// marker so the echoed command line never contains it contiguously.
func typedSentinel(sentinel string) string {
	if strings.HasPrefix(sentinel, sentinelPrefix) {
		return sentinelPrefix + `""` + sentinel[len(sentinelPrefix):]
	}
	mid := len(sentinel) / 2
	return sentinel[:mid] + `""` + sentinel[mid:]
}

// extractOutput returns the command's output: the text before the sentinel
// (or all of it when sentinel is empty) with the command echo, the typed
// sentinel line and the trailing prompt fragment removed.
func extractOutput(raw []byte, command, sentinel, typed string) (string, bool) {
	text := cleanText(raw)
	found := false
	if sentinel != "" {
		if idx := strings.Index(text, sentinel); idx >= 0 {
			found = true
			text = text[:idx]
			// Anything on the marker's line before it is prompt.
			if nl := strings.LastIndexByte(text, '\n'); nl >= 0 {
				text = text[:nl]
			} else {
				text = ""
			}
		}
	}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if typed != "" && strings.Contains(line, typed) {
			continue
		}
		kept = append(kept, line)
	}

	// Drop the echoed command when it is the first non-blank line.
	cmd := strings.TrimSpace(command)
	for i, line := range kept {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if cmd != "" && strings.Contains(line, cmd) {
			kept = append(kept[:i], kept[i+1:]...)
		}
		break
	}

	out := strings.Join(kept, "\n")
	out = strings.TrimLeft(out, "\n")
	out = strings.TrimRight(out, " \t\n")
	return out, found
}
