// Package help renders the key reference overlay from markdown.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"

	"github.com/stark-sentinel/tui/internal/theme"
)

// Section is a titled group of key bindings.
type Section struct {
	Title    string
	Note     string
	Bindings []key.Binding
}

// Markdown lays sections out as markdown tables. Disabled bindings are
// left out.
func Markdown(sections []Section) string {
	var b strings.Builder
	b.WriteString("# Sentinel\n\n")
	for _, s := range sections {
		var rows []string
		for _, kb := range s.Bindings {
			if !kb.Enabled() {
				continue
			}
			h := kb.Help()
			rows = append(rows, fmt.Sprintf("| `%s` | %s |", h.Key, h.Desc))
		}
		if len(rows) == 0 && s.Note == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", s.Title)
		if s.Note != "" {
			fmt.Fprintf(&b, "%s\n\n", s.Note)
		}
		if len(rows) > 0 {
			b.WriteString("| Key | Action |\n|---|---|\n")
			b.WriteString(strings.Join(rows, "\n"))
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// Model caches a renderer per wrap width. Share it by pointer so the
// cache survives copies of the enclosing model.
type Model struct {
	renderer *glamour.TermRenderer
	width    int
}

// New creates a help model.
func New() *Model {
	return &Model{}
}

// Render draws markdown with glamour inside an overlay panel. It falls
// back to the raw markdown if rendering fails.
func (m *Model) Render(markdown string, width int) string {
	innerW := max(width-8, 20)
	if m.renderer == nil || m.width != innerW {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(innerW),
		)
		if err == nil {
			m.renderer = r
			m.width = innerW
		}
	}
	out := markdown
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(markdown); err == nil {
			out = strings.TrimSpace(rendered)
		}
	}
	footer := theme.StyleDimmed.Render("esc:close")
	return theme.Panel(max(width-4, 20)).Render(out + "\n\n" + footer)
}
