package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/user/tend/internal/health"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	styleBad    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleActive = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	styleHeader = lipgloss.NewStyle().Bold(true)
)

// colorEnabled reports whether stdout is a terminal that wants colour.
// Checks NO_COLOR and TERM=dumb per clig.dev guidelines.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func stateStyle(s health.State) lipgloss.Style {
	switch s {
	case health.Healthy, health.ExitedOK:
		return styleOK
	case health.Launching, health.WaitingFirstOutput, health.SilentMutation:
		return styleActive
	case health.Stalled:
		return styleWarn
	case health.ExitedErr, health.Blocked:
		return styleBad
	default:
		return styleMuted
	}
}

func paint(color bool, style lipgloss.Style, s string) string {
	if !color {
		return s
	}
	return style.Render(s)
}

// writeTable aligns rows into columns two spaces apart. Widths are measured
// with lipgloss so styled cells line up.
func writeTable(w io.Writer, color bool, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); i < len(widths) && cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	line := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	hdr := make([]string, len(header))
	for i, h := range header {
		hdr[i] = paint(color, styleHeader, h)
	}
	line(hdr)
	for _, row := range rows {
		line(row)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ago renders a duration coarsely: 45s, 12m, 3h, 2d.
func ago(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func byteSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/(1024*1024))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
