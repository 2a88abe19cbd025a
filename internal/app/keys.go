package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	// Login form.
	Submit    key.Binding
	NextField key.Binding
	Guest     key.Binding

	// Dashboard.
	Up        key.Binding
	Down      key.Binding
	SimMotion key.Binding
	SimTemp   key.Binding
	SimAccess key.Binding
	SimCustom key.Binding
	Metrics   key.Binding
	Logout    key.Binding
	Debug     key.Binding
	Help      key.Binding
	Escape    key.Binding
	Quit      key.Binding
	ForceQuit key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "submit"),
		),
		NextField: key.NewBinding(
			key.WithKeys("tab", "shift+tab"),
			key.WithHelp("tab", "next field"),
		),
		Guest: key.NewBinding(
			key.WithKeys("ctrl+g"),
			key.WithHelp("ctrl+g", "continue as guest"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "newer alerts"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "older alerts"),
		),
		SimMotion: key.NewBinding(
			key.WithKeys("1"),
			key.WithHelp("1", "simulate motion"),
		),
		SimTemp: key.NewBinding(
			key.WithKeys("2"),
			key.WithHelp("2", "simulate temperature"),
		),
		SimAccess: key.NewBinding(
			key.WithKeys("3"),
			key.WithHelp("3", "simulate denied access"),
		),
		SimCustom: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "custom event"),
		),
		Metrics: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "refresh metrics"),
		),
		Logout: key.NewBinding(
			key.WithKeys("L"),
			key.WithHelp("L", "log out"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "event log"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}

// setActions enables the action bindings only while the session may act,
// so help and the footer never advertise a refused action.
func (k *KeyMap) setActions(canAct bool) {
	k.SimMotion.SetEnabled(canAct)
	k.SimTemp.SetEnabled(canAct)
	k.SimAccess.SetEnabled(canAct)
	k.SimCustom.SetEnabled(canAct)
}
