package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	LightOrangeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#ff9a59"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
	GrayStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#adadad"))
)

// OutcomeStyle returns the style used to log a task or model outcome: green when every node succeeded, yellow
// when some failed, red when all failed.
func OutcomeStyle(succeeded int, total int) lipgloss.Style {
	switch {
	case total == 0:
		return GrayStyle
	case succeeded == 0:
		return RedStyle
	case succeeded < total:
		return YellowStyle
	default:
		return GreenStyle
	}
}
