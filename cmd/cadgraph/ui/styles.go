// Package ui provides the visual styling for the cadgraph CLI output and
// the jobs dashboard.
package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors used across the CLI.
var (
	Primary = lipgloss.Color("#2196F3") // Blue
	Success = lipgloss.Color("#8BC34A") // Lime Green
	Warning = lipgloss.Color("#FFC107") // Yellow
	Danger  = lipgloss.Color("#E53935") // Red
	Muted   = lipgloss.Color("#808080")
)

// Styles holds the lipgloss styles for CLI rendering.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Muted    lipgloss.Style
	Content  lipgloss.Style
	CellPad  lipgloss.Style
	ReportBox lipgloss.Style
}

// DefaultStyles returns the standard style set.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Primary),
		Header:  lipgloss.NewStyle().Bold(true).Underline(true),
		Success: lipgloss.NewStyle().Foreground(Success),
		Error:   lipgloss.NewStyle().Foreground(Danger),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Muted:   lipgloss.NewStyle().Foreground(Muted),
		Content: lipgloss.NewStyle().PaddingLeft(2),
		CellPad: lipgloss.NewStyle().PaddingRight(2),
		ReportBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 1),
	}
}

// StatusStyle picks the color for a job or ingest status string.
func (s Styles) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return s.Success
	case "failed", "error":
		return s.Error
	case "processing":
		return s.Warning
	case "cancelled":
		return s.Muted
	default:
		return lipgloss.NewStyle()
	}
}

// Row renders one padded table row.
func (s Styles) Row(cells ...string) string {
	out := ""
	for _, c := range cells {
		out += s.CellPad.Render(c)
	}
	return out
}

// Percent formats a 0..1 progress value.
func Percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}
