// Package alerts renders the alert history, newest first.
package alerts

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/theme"
)

// Model holds the alert panel state.
type Model struct {
	Width     int
	// Permitted is false when the session may not see alerts at all.
	Permitted bool
	alerts    []client.AlertRecord
	Offset    int
}

// New creates an alert panel.
func New() Model {
	return Model{}
}

// SetAlerts replaces the history. The scroll position is kept unless the
// list shrank under it.
func (m *Model) SetAlerts(alerts []client.AlertRecord) {
	m.alerts = alerts
	m.clamp()
}

// Len returns the number of alerts held.
func (m Model) Len() int { return len(m.alerts) }

// ScrollDown moves toward older alerts.
func (m *Model) ScrollDown(n int) {
	m.Offset += n
	m.clamp()
}

// ScrollUp moves toward newer alerts.
func (m *Model) ScrollUp(n int) {
	m.Offset -= n
	m.clamp()
}

func (m *Model) clamp() {
	if m.Offset > len(m.alerts)-1 {
		m.Offset = len(m.alerts) - 1
	}
	if m.Offset < 0 {
		m.Offset = 0
	}
}

// View renders at most rows alerts starting at the scroll offset.
func (m Model) View(rows int) string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	if rows < 1 {
		rows = 1
	}

	title := theme.StyleHeader.Render(fmt.Sprintf("  Alerts (%d)", len(m.alerts)))
	if !m.Permitted {
		return lipgloss.JoinVertical(lipgloss.Left,
			theme.StyleHeader.Render("  Alerts"),
			theme.StyleDimmed.Render("  Your role cannot view alerts."),
		)
	}
	if len(m.alerts) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, theme.StyleDimmed.Render("  No alerts"))
	}

	end := min(m.Offset+rows, len(m.alerts))
	lines := []string{title}
	for _, a := range m.alerts[m.Offset:end] {
		lines = append(lines, renderAlert(a, width-4))
	}
	if end < len(m.alerts) {
		lines = append(lines, theme.StyleDimmed.Render(fmt.Sprintf("  ↓ %d older", len(m.alerts)-end)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderAlert(a client.AlertRecord, width int) string {
	status := string(a.Status)
	color := theme.StatusColor(status)

	head := lipgloss.NewStyle().Foreground(color).Bold(true).Render(theme.StatusGlyph(status) + " " + a.Title)
	ts := theme.StyleDimmed.Render(a.Timestamp.Local().Format("15:04:05"))
	line := "  " + ts + " " + head
	if a.SensorID != "" {
		line += theme.StyleDimmed.Render(" [" + a.SensorID + "]")
	}

	msg := strings.ReplaceAll(a.Message, "\n", " ")
	if msg != "" {
		if limit := width - 12; limit > 3 && len(msg) > limit {
			msg = msg[:limit-3] + "..."
		}
		line += " " + msg
	}
	return line
}
