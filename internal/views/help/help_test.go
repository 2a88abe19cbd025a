package help

import (
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/key"
)

func TestMarkdownSkipsDisabled(t *testing.T) {
	on := key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "simulate motion"))
	off := key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "hidden"))
	off.SetEnabled(false)

	md := Markdown([]Section{
		{Title: "Actions", Bindings: []key.Binding{on, off}},
		{Title: "Empty", Bindings: []key.Binding{off}},
		{Title: "Notes", Note: "Actions need a live connection."},
	})

	if !strings.Contains(md, "| `1` | simulate motion |") {
		t.Errorf("missing enabled binding:\n%s", md)
	}
	if strings.Contains(md, "hidden") || strings.Contains(md, "## Empty") {
		t.Errorf("disabled binding rendered:\n%s", md)
	}
	if !strings.Contains(md, "## Notes\n\nActions need a live connection.") {
		t.Errorf("note section missing:\n%s", md)
	}
}

func TestRender(t *testing.T) {
	m := New()
	out := m.Render("# Sentinel\n\nPress `q` to quit.", 80)
	if !strings.Contains(out, "Sentinel") || !strings.Contains(out, "quit") {
		t.Errorf("rendered help lost content:\n%s", out)
	}
	if !strings.Contains(out, "esc:close") {
		t.Error("missing footer")
	}
	first := m.renderer
	m.Render("again", 80)
	if m.renderer != first {
		t.Error("renderer rebuilt for the same width")
	}
}
