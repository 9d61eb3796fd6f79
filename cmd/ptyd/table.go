package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	leaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e0af68"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
)

func displayWidth(s string) int {
	return runewidth.StringWidth(s)
}

func truncateWidth(s string, width int) string {
	return runewidth.Truncate(s, width, "")
}

// column is one table column; Width 0 sizes it to the widest cell.
type column struct {
	Title string
	Width int
}

// cell is a rendered value plus an optional style.
type cell struct {
	Text  string
	Style *lipgloss.Style
}

func plain(s string) cell { return cell{Text: s} }

func styled(s string, st lipgloss.Style) cell { return cell{Text: s, Style: &st} }

// renderTable writes rows under a bold header. Cells are truncated and
// padded by display width so wide runes line up.
func renderTable(w io.Writer, cols []column, rows [][]cell) {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = displayWidth(c.Title)
		if c.Width > 0 {
			widths[i] = max(widths[i], c.Width)
			continue
		}
		for _, r := range rows {
			if i < len(r) {
				widths[i] = max(widths[i], displayWidth(r[i].Text))
			}
		}
	}

	var b strings.Builder
	for i, c := range cols {
		b.WriteString(headerStyle.Render(pad(c.Title, widths[i])))
		if i < len(cols)-1 {
			b.WriteString("  ")
		}
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))

	for _, r := range rows {
		b.Reset()
		for i := range cols {
			var c cell
			if i < len(r) {
				c = r[i]
			}
			text := pad(truncate(c.Text, widths[i]), widths[i])
			if c.Style != nil {
				text = c.Style.Render(text)
			}
			b.WriteString(text)
			if i < len(cols)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func pad(s string, width int) string {
	if gap := width - displayWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// formatAge renders a duration the way list output shows it: 42s, 5m, 3h, 2d.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
