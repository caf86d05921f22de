package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/shellkit/wmd/internal/transport"
)

// statusBar renders the connection line at the bottom of the screen.
type statusBar struct {
	Connected bool
	Rendering bool
	Hordes    map[string]transport.ConnectionStatus
	Commands  int
	Width     int
}

func newStatusBar() statusBar {
	return statusBar{Hordes: make(map[string]transport.ConnectionStatus)}
}

// overlay returns the message of the first horde asking for the overlay.
func (m statusBar) overlay() (string, bool) {
	for _, name := range m.hordeNames() {
		if st := m.Hordes[name]; st.Overlay {
			return st.Message, true
		}
	}
	return "", false
}

func (m statusBar) hordeNames() []string {
	names := make([]string, 0, len(m.Hordes))
	for name := range m.Hordes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m statusBar) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ Connecting...")
	}

	render := "waiting"
	if m.Rendering {
		render = "rendering"
	}

	var hordeParts []string
	for _, name := range m.hordeNames() {
		st := m.Hordes[name]
		label := name
		if st.Lag {
			label += fmt.Sprintf(" lag %dms", st.Delta)
		}
		hordeParts = append(hordeParts, lipgloss.NewStyle().
			Foreground(hordeColor(st.Lag, st.Overlay)).
			Render(label))
	}

	sep := sepStyle.Render(" | ")
	content := connStr + sep + render + sep + fmt.Sprintf("%d commands", m.Commands)
	if len(hordeParts) > 0 {
		content += sep + strings.Join(hordeParts, "  ")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}
