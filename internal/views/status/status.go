// Package status renders the top bar: who is logged in, with what role,
// and the state of the live channel.
package status

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/controller"
	"github.com/stark-sentinel/tui/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Identity string
	Role     string
	Guest    bool
	LoggedIn bool
	Conn     conn.State
	Attempt  int
	RetryIn  time.Duration
	CanAct   bool
	Sensors  int
	Alerts   int
	Width    int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// Set copies the fields the bar shows out of a controller view.
func (m *Model) Set(v controller.View) {
	m.Identity = v.Session.Identity
	m.Role = string(v.Session.Role)
	m.Guest = v.Guest
	m.LoggedIn = v.Phase == controller.LoggedIn
	m.Conn = v.Conn
	m.Attempt = v.Attempt
	m.RetryIn = v.RetryIn
	m.CanAct = v.Caps.CanAct
	m.Sensors = len(v.Sensors)
	m.Alerts = len(v.Alerts)
}

// Indicator describes the live channel in words.
func (m Model) Indicator() string {
	switch m.Conn {
	case conn.Open:
		return "● Live"
	case conn.Connecting:
		if m.Attempt > 0 {
			return fmt.Sprintf("◌ Connecting (attempt %d)", m.Attempt+1)
		}
		return "◌ Connecting..."
	case conn.Reconnecting:
		return fmt.Sprintf("↻ Reconnecting in %s (attempt %d)", m.RetryIn, m.Attempt)
	case conn.Closed:
		return "○ Disconnected"
	default:
		if m.LoggedIn && m.Guest {
			return "○ Snapshot only"
		}
		return "○ Offline"
	}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	connStr := lipgloss.NewStyle().Foreground(theme.ConnColor(m.Conn.String())).Render(m.Indicator())
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")

	content := connStr
	if m.LoggedIn {
		who := m.Identity
		if m.Guest {
			who += " (guest)"
		}
		role := lipgloss.NewStyle().Foreground(theme.RoleColor(m.Role)).Render(m.Role)
		content += sep + theme.StyleHeader.Render(who) + " " + role
		content += sep + fmt.Sprintf("%d sensors  %d alerts", m.Sensors, m.Alerts)
		if m.CanAct {
			content += sep + lipgloss.NewStyle().Foreground(theme.ColorLive).Render("actions on")
		} else {
			content += sep + theme.StyleDimmed.Render("read only")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
