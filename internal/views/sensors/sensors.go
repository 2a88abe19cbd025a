// Package sensors provides the stats summary row and the per-sensor
// reading table for the Sentinel TUI.
package sensors

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/theme"
)

// Model holds the sensor table state.
type Model struct {
	Width    int
	Seeding  bool
	readings []client.SensorReading
	metrics  *client.Metrics
	now      func() time.Time
}

// New creates a sensor table model.
func New() Model {
	return Model{now: time.Now}
}

// SetReadings replaces the table rows. Readings arrive sorted by id.
func (m *Model) SetReadings(readings []client.SensorReading) {
	m.readings = readings
}

// SetMetrics records the last backend counters fetched.
func (m *Model) SetMetrics(metrics client.Metrics) {
	m.metrics = &metrics
}

// View renders the stats row and the table.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatsRow(width),
		m.renderTable(width),
	)
}

func (m Model) renderStatsRow(width int) string {
	var normal, warning, critical int
	for _, r := range m.readings {
		switch r.Status {
		case client.StatusCritical:
			critical++
		case client.StatusWarning:
			warning++
		default:
			normal++
		}
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Foreground(theme.ColorNormal).Render(fmt.Sprintf("Normal: %d", normal)),
		statStyle.Foreground(theme.ColorWarning).Render(fmt.Sprintf("Warning: %d", warning)),
		statStyle.Foreground(theme.ColorCritical).Render(fmt.Sprintf("Critical: %d", critical)),
	}
	if m.metrics != nil {
		stats = append(stats,
			statStyle.Foreground(theme.ColorAccent).Render(fmt.Sprintf("Events: %s", formatCount(m.metrics.EventsProcessed))),
			statStyle.Foreground(theme.ColorDimmed).Render(fmt.Sprintf("Latency: %.1fms", m.metrics.AvgLatencyMs)),
		)
	}

	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | "))
	return theme.StyleBorder.Width(width).Padding(0, 1).Render(content)
}

func (m Model) renderTable(width int) string {
	header := theme.StyleHeader.Render("  Sensors")

	if len(m.readings) == 0 {
		msg := "  No readings yet"
		if m.Seeding {
			msg = "  Loading snapshot..."
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, theme.StyleDimmed.Render(msg))
	}

	colName := 18
	colStatus := 12
	colUpdated := 10
	colValue := width - colName - colStatus - colUpdated - 8
	if colValue < 12 {
		colValue = 12
	}

	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	tableHeader := fmt.Sprintf("  %-*s %-*s %-*s %*s",
		colName, "Sensor",
		colStatus, "Status",
		colValue, "Value",
		colUpdated, "Updated",
	)
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, colName+colStatus+colValue+colUpdated+3))),
	}

	now := time.Now()
	if m.now != nil {
		now = m.now()
	}
	for _, r := range m.readings {
		name := truncate(r.SensorID, colName-1)
		nameStr := theme.StyleHeader.Width(colName).Render(name)

		status := string(r.Status)
		statusStr := lipgloss.NewStyle().Foreground(theme.StatusColor(status)).Width(colStatus).
			Render(theme.StatusGlyph(status) + " " + status)

		valueStr := lipgloss.NewStyle().Width(colValue).Render(truncate(FormatValue(r.Value), colValue-1))
		updStr := dimStyle.Width(colUpdated).Align(lipgloss.Right).Render(Age(now, r.Timestamp))

		lines = append(lines, fmt.Sprintf("  %s %s %s %s", nameStr, statusStr, valueStr, updStr))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// FormatValue renders a reading's raw value for a table cell. Objects
// with a "state" or "value" field show that field; strings are unquoted;
// anything else is shown as compact JSON.
func FormatValue(raw []byte) string {
	if len(raw) == 0 {
		return "-"
	}
	res := gjson.ParseBytes(raw)
	switch {
	case res.IsObject():
		if st := res.Get("state"); st.Exists() {
			return st.String()
		}
		if v := res.Get("value"); v.Exists() {
			return v.String()
		}
		if d := res.Get("detected"); d.Exists() {
			if d.Bool() {
				return "detected"
			}
			return "clear"
		}
		if g := res.Get("granted"); g.Exists() {
			if g.Bool() {
				return "granted"
			}
			return "denied"
		}
	case res.Type == gjson.String:
		return res.Str
	}
	return string(pretty.Ugly(raw))
}

// Age formats how long ago ts was, coarsely.
func Age(now, ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	d := now.Sub(ts)
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return ts.Local().Format("Jan 2")
	}
}

func truncate(s string, n int) string {
	if n < 2 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// formatCount formats large numbers with K/M suffixes.
func formatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
