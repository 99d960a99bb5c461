// Package tui renders build progress: a line-oriented CLI view and an
// interactive Bubble Tea view, both fed by a ProgressTracker.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	ColorPrimary    = lipgloss.Color("#7D56F4")
	ColorSuccess    = lipgloss.Color("#28A745")
	ColorWarning    = lipgloss.Color("#FFC107")
	ColorError      = lipgloss.Color("#DC3545")
	ColorInfo       = lipgloss.Color("#17A2B8")
	ColorMuted      = lipgloss.Color("#6C757D")
	ColorForeground = lipgloss.Color("#CDD6F4")
)

// Stage and build state markers.
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolBullet     = "•"
)

// Styles holds the lipgloss styles shared by the CLI, the interactive view
// and the history tables.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Help    lipgloss.Style

	TableHeader lipgloss.Style
	TableRow    lipgloss.Style
}

// DefaultStyles returns the colored styles used on a terminal.
func DefaultStyles() *Styles {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return &Styles{
		Title:       fg(ColorPrimary).Bold(true).MarginBottom(1),
		Success:     fg(ColorSuccess),
		Error:       fg(ColorError),
		Warning:     fg(ColorWarning),
		Info:        fg(ColorInfo),
		Muted:       fg(ColorMuted),
		Help:        fg(ColorMuted),
		TableHeader: fg(ColorPrimary).Bold(true),
		TableRow:    fg(ColorForeground),
	}
}

// PlainStyles returns styles that render text unchanged, for pipes, log
// files and --no-color.
func PlainStyles() *Styles {
	plain := lipgloss.NewStyle()
	return &Styles{
		Title:       plain,
		Success:     plain,
		Error:       plain,
		Warning:     plain,
		Info:        plain,
		Muted:       plain,
		Help:        plain,
		TableHeader: plain,
		TableRow:    plain,
	}
}

// StatusIcon returns the marker for a build or stage status.
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "succeeded", "done":
		return s.Success.Render(SymbolSuccess)
	case "failed":
		return s.Error.Render(SymbolError)
	case "abandoned":
		return s.Warning.Render(SymbolWarning)
	case "running":
		return s.Info.Render(SymbolInProgress)
	case "pending":
		return s.Muted.Render(SymbolPending)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatBytes formats a byte count with a binary unit. Negative counts,
// which an unknown Content-Length can produce, read as zero.
func FormatBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}

// FormatDuration formats d at a precision that suits build stages: whole
// milliseconds under a second, tenths of a second under a minute.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
