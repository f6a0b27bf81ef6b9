package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Teal     = lipgloss.Color("#0d7377")
	OffWhite = lipgloss.Color("#f8f7f4")
	DarkGray = lipgloss.Color("#333333")
	Green    = lipgloss.Color("#4caf50")
	Amber    = lipgloss.Color("#ffb300")
	Red      = lipgloss.Color("#e53935")

	// Styles
	StatusBarStyle = lipgloss.NewStyle().
			Background(Teal).
			Foreground(OffWhite).
			Bold(true).
			Padding(0, 1)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Teal).
			Padding(0, 1)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(Teal).
			Bold(true)

	UpStyle       = lipgloss.NewStyle().Foreground(Green).Bold(true)
	DownStyle     = lipgloss.NewStyle().Foreground(Red).Bold(true)
	DegradedStyle = lipgloss.NewStyle().Foreground(Amber).Bold(true)

	DimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	ErrorStyle = lipgloss.NewStyle().Foreground(Red)
)

// overallStyle colours an aggregate health status.
func overallStyle(status string) lipgloss.Style {
	switch status {
	case "healthy":
		return UpStyle
	case "degraded":
		return DegradedStyle
	default:
		return DownStyle
	}
}
