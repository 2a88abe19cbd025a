// Package theme provides the Lip Gloss color palette and reusable styles
// for the Sentinel TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Sensor status colors.
var (
	ColorNormal   = lipgloss.Color("#22c55e")
	ColorWarning  = lipgloss.Color("#d97706")
	ColorCritical = lipgloss.Color("#dc2626")
	ColorUnknown  = lipgloss.Color("#9ca3af")
)

// Connection state colors.
var (
	ColorLive       = lipgloss.Color("#22c55e")
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorRetrying   = lipgloss.Color("#d97706")
	ColorOffline    = lipgloss.Color("#dc2626")
	ColorSnapshot   = lipgloss.Color("#6b7280")
)

// Role badge colors.
var (
	ColorAdmin    = lipgloss.Color("#a855f7")
	ColorOperator = lipgloss.Color("#3b82f6")
	ColorViewer   = lipgloss.Color("#06b6d4")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
	ColorAccent = lipgloss.Color("#2563eb")
)

// StatusColor returns the color for a sensor status string.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "normal":
		return ColorNormal
	case "warning":
		return ColorWarning
	case "critical":
		return ColorCritical
	default:
		return ColorUnknown
	}
}

// StatusGlyph returns a Unicode glyph for a sensor status string.
func StatusGlyph(status string) string {
	switch status {
	case "normal":
		return "●"
	case "warning":
		return "▲"
	case "critical":
		return "✗"
	default:
		return "·"
	}
}

// ConnColor returns the color for a connection state string.
func ConnColor(state string) lipgloss.Color {
	switch state {
	case "open":
		return ColorLive
	case "connecting":
		return ColorConnecting
	case "reconnecting", "closed":
		return ColorRetrying
	case "idle":
		return ColorSnapshot
	default:
		return ColorOffline
	}
}

// RoleColor returns the badge color for a role.
func RoleColor(role string) lipgloss.Color {
	switch role {
	case "admin":
		return ColorAdmin
	case "operator":
		return ColorOperator
	case "viewer":
		return ColorViewer
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCritical)
)

// Panel returns the double-bordered frame used for overlays.
func Panel(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder)
}
