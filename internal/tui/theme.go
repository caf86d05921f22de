package tui

import "github.com/charmbracelet/lipgloss"

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorAccent  = lipgloss.Color("#06b6d4")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	dimStyle    = lipgloss.NewStyle().Foreground(ColorDimmed)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	sepStyle    = lipgloss.NewStyle().Foreground(ColorBorder)
)

// hordeColor picks the color of a horde status.
func hordeColor(lag, overlay bool) lipgloss.Color {
	switch {
	case overlay:
		return ColorDanger
	case lag:
		return ColorWarning
	default:
		return ColorHealthy
	}
}
