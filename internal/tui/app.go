// Package tui is a terminal display surface: it follows one window over
// its websocket and shows the window state as it changes.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shellkit/wmd/internal/client"
	"github.com/shellkit/wmd/internal/relay"
)

// surfaceClosedMsg is sent when the surface stops delivering events.
type surfaceClosedMsg struct{}

// Surface is the part of client.Surface the view uses.
type Surface interface {
	Events() <-chan any
	Resend() error
}

// Model is the root Bubble Tea model.
type Model struct {
	surface Surface
	cancel  context.CancelFunc

	keys   KeyMap
	width  int
	height int

	wid     string
	route   string
	updates int
	lines   []string
	offset  int
	infos   map[string]any
	lastErr error

	connectedOnce bool

	statusBar statusBar
}

// New creates the root model for window wid. cancel is called on quit.
func New(cancel context.CancelFunc, s Surface, wid string) Model {
	return Model{
		surface:   s,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		wid:       wid,
		infos:     make(map[string]any),
		statusBar: newStatusBar(),
	}
}

// listen waits for the next surface event.
func (m Model) listen() tea.Cmd {
	if m.surface == nil {
		return nil
	}
	events := m.surface.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return surfaceClosedMsg{}
		}
		return ev
	}
}

func (m Model) Init() tea.Cmd {
	return m.listen()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.clampOffset()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedEvent:
		m.statusBar.Connected = true
		m.connectedOnce = true
		m.lastErr = nil
		return m, m.listen()

	case client.DisconnectedEvent:
		m.statusBar.Connected = false
		m.statusBar.Rendering = false
		m.lastErr = msg.Err
		return m, m.listen()

	case client.StateEvent:
		m.updates++
		m.setState(msg.State)
		return m, m.listen()

	case client.InfoEvent:
		m.infos[msg.Branch] = msg.Info
		return m, m.listen()

	case client.RouteEvent:
		m.route = msg.Path
		return m, m.listen()

	case client.CommandEvent:
		m.statusBar.Commands = len(msg.Names)
		return m, m.listen()

	case client.StatusEvent:
		m.statusBar.Hordes[msg.Status.Horde] = msg.Status
		return m, m.listen()

	case client.BeginRenderEvent:
		m.statusBar.Rendering = true
		return m, m.listen()

	case client.ActionEvent:
		return m, m.listen()

	case surfaceClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.offset++
	case key.Matches(msg, m.keys.Up):
		m.offset--
	case key.Matches(msg, m.keys.PageDown):
		m.offset += m.bodyHeight()
	case key.Matches(msg, m.keys.PageUp):
		m.offset -= m.bodyHeight()
	case key.Matches(msg, m.keys.Top):
		m.offset = 0

	case key.Matches(msg, m.keys.Resync):
		if m.surface != nil {
			if err := m.surface.Resend(); err != nil {
				m.lastErr = err
			}
		}
	}
	m.clampOffset()
	return m, nil
}

func (m *Model) setState(state any) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.lines = []string{fmt.Sprintf("unprintable state: %v", err)}
	} else {
		m.lines = strings.Split(string(data), "\n")
	}
	m.clampOffset()
}

// bodyHeight is the number of state lines that fit between header and
// status bar.
func (m Model) bodyHeight() int {
	h := m.height - 6 - len(m.infoLines())
	if h < 1 {
		h = 1
	}
	return h
}

func (m *Model) clampOffset() {
	maxOffset := len(m.lines) - m.bodyHeight()
	if maxOffset < 0 {
		maxOffset = 0
	}
	if m.offset > maxOffset {
		m.offset = maxOffset
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

func (m Model) infoLines() []string {
	branches := make([]string, 0, len(m.infos))
	for b := range m.infos {
		branches = append(branches, b)
	}
	sort.Strings(branches)
	lines := make([]string, 0, len(branches))
	for _, b := range branches {
		data, _ := json.Marshal(m.infos[b])
		lines = append(lines, dimStyle.Render(b+": ")+string(data))
	}
	return lines
}

func (m Model) View() string {
	header := titleStyle.Render(m.wid)
	if m.route != "" {
		header += sepStyle.Render(" | ") + accentStyle.Render(m.route)
	}
	header += sepStyle.Render(" | ") + dimStyle.Render(fmt.Sprintf("%d updates", m.updates))

	sections := []string{header, m.body()}
	if infos := m.infoLines(); len(infos) > 0 {
		sections = append(sections, strings.Join(infos, "\n"))
	}
	sections = append(sections, m.statusBar.View(), dimStyle.Render(m.keys.help()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) body() string {
	if msg, ok := m.overlayMessage(); ok {
		return lipgloss.NewStyle().
			Width(max(m.width-4, 20)).
			Padding(1, 2).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorDanger).
			Foreground(ColorDanger).
			Render(msg)
	}
	if !m.connectedOnce {
		return dimStyle.Render("connecting...")
	}
	if len(m.lines) == 0 {
		return dimStyle.Render("waiting for state...")
	}
	end := min(m.offset+m.bodyHeight(), len(m.lines))
	return strings.Join(m.lines[m.offset:end], "\n")
}

// overlayMessage returns what blocks the view: a lost connection or a
// horde asking for the overlay.
func (m Model) overlayMessage() (string, bool) {
	if !m.statusBar.Connected && m.connectedOnce {
		msg := relay.LostConnectionMessage
		if m.lastErr != nil {
			msg += "\n\n" + m.lastErr.Error()
		}
		return msg, true
	}
	return m.statusBar.overlay()
}
