package app

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stark-sentinel/tui/internal/theme"
)

// form is a small stack of text inputs with one focused at a time.
type form struct {
	title  string
	labels []string
	inputs []textinput.Model
	focus  int
	err    string
	busy   bool
}

func newForm(title string, fields ...textinput.Model) form {
	f := form{title: title, inputs: fields}
	for _, in := range fields {
		f.labels = append(f.labels, in.Prompt)
	}
	for i := range f.inputs {
		f.inputs[i].Prompt = ""
	}
	f.focusField(0)
	return f
}

func field(label, placeholder string, limit int) textinput.Model {
	in := textinput.New()
	in.Prompt = label
	in.Placeholder = placeholder
	in.CharLimit = limit
	return in
}

// newLoginForm builds the username/password prompt.
func newLoginForm() form {
	pass := field("Password", "", 128)
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'
	return newForm("Sign in", field("Username", "admin", 64), pass)
}

// newSimulateForm builds the custom event prompt.
func newSimulateForm() form {
	return newForm("Simulate event",
		field("Sensor", "motion", 64),
		field("Payload", `{"detected":true}`, 1024),
	)
}

func (f *form) focusField(i int) tea.Cmd {
	f.focus = (i + len(f.inputs)) % len(f.inputs)
	var cmd tea.Cmd
	for j := range f.inputs {
		if j == f.focus {
			cmd = f.inputs[j].Focus()
		} else {
			f.inputs[j].Blur()
		}
	}
	return cmd
}

func (f *form) next() tea.Cmd { return f.focusField(f.focus + 1) }

func (f *form) prev() tea.Cmd { return f.focusField(f.focus - 1) }

// onLast reports whether the last field has focus, so enter submits.
func (f form) onLast() bool { return f.focus == len(f.inputs)-1 }

func (f form) value(i int) string { return strings.TrimSpace(f.inputs[i].Value()) }

func (f *form) reset() {
	for i := range f.inputs {
		f.inputs[i].Reset()
	}
	f.err = ""
	f.busy = false
	f.focusField(0)
}

// update forwards msg to the focused input.
func (f *form) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	f.inputs[f.focus], cmd = f.inputs[f.focus].Update(msg)
	return cmd
}

func (f form) view(width int, hint string) string {
	labelStyle := lipgloss.NewStyle().Width(10).Foreground(theme.ColorDimmed)
	active := lipgloss.NewStyle().Width(10).Foreground(theme.ColorBright).Bold(true)

	lines := []string{theme.StyleHeader.Render(f.title), ""}
	for i, in := range f.inputs {
		ls := labelStyle
		if i == f.focus {
			ls = active
		}
		lines = append(lines, ls.Render(f.labels[i])+" "+in.View())
	}
	lines = append(lines, "")
	switch {
	case f.busy:
		lines = append(lines, theme.StyleDimmed.Render("Working..."))
	case f.err != "":
		lines = append(lines, theme.StyleError.Render(f.err))
	}
	lines = append(lines, theme.StyleDimmed.Render(hint))
	return theme.Panel(min(max(width-4, 30), 70)).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
