package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/controller"
	"github.com/stark-sentinel/tui/internal/theme"
	"github.com/stark-sentinel/tui/internal/views/alerts"
	"github.com/stark-sentinel/tui/internal/views/debug"
	"github.com/stark-sentinel/tui/internal/views/help"
	"github.com/stark-sentinel/tui/internal/views/sensors"
	"github.com/stark-sentinel/tui/internal/views/status"
)

// Controller is the part of the session controller the TUI drives.
type Controller interface {
	Login(ctx context.Context, username, password string) error
	Guest(ctx context.Context) error
	Logout(ctx context.Context) error
	Submit(ctx context.Context, sensor string, payload json.RawMessage) (json.RawMessage, error)
	Metrics(ctx context.Context) (client.Metrics, error)
	Subscribe() (<-chan controller.View, func())
}

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
	OverlayDebug
	OverlaySimulate
)

type (
	viewMsg        controller.View
	loginResultMsg struct {
		guest bool
		err   error
	}
	actionResultMsg struct {
		sensor string
		err    error
	}
	metricsMsg struct {
		metrics client.Metrics
		err     error
	}
	logoutMsg struct{ err error }
)

// Model is the root Bubble Tea model.
type Model struct {
	ctrl   Controller
	ctx    context.Context
	cancel context.CancelFunc
	views  <-chan controller.View
	unsub  func()

	keys   KeyMap
	width  int
	height int

	view    controller.View
	overlay Overlay
	notice  string

	login    form
	simulate form

	statusBar status.Model
	sensors   sensors.Model
	alerts    alerts.Model
	debug     debug.Model
	help      *help.Model

	randInt func(n int) int
}

// New creates the root model and subscribes to ctrl's views.
func New(ctrl Controller) Model {
	ctx, cancel := context.WithCancel(context.Background())
	views, unsub := ctrl.Subscribe()
	m := Model{
		ctrl:      ctrl,
		ctx:       ctx,
		cancel:    cancel,
		views:     views,
		unsub:     unsub,
		keys:      DefaultKeyMap(),
		login:     newLoginForm(),
		simulate:  newSimulateForm(),
		statusBar: status.New(),
		sensors:   sensors.New(),
		alerts:    alerts.New(),
		debug:     debug.New(),
		help:      help.New(),
		randInt:   rand.IntN,
	}
	m.keys.setActions(false)
	return m
}

// Init starts listening for controller views.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForView(), textinput.Blink)
}

func (m Model) waitForView() tea.Cmd {
	views, ctx := m.views, m.ctx
	return func() tea.Msg {
		select {
		case v := <-views:
			return viewMsg(v)
		case <-ctx.Done():
			return nil
		}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.sensors.Width = msg.Width
		m.alerts.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case viewMsg:
		cmd := m.applyView(controller.View(msg))
		return m, tea.Batch(cmd, m.waitForView())

	case loginResultMsg:
		m.login.busy = false
		if msg.err != nil {
			m.login.err = loginError(msg.err)
			m.debug.Addf(debug.KindAuth, "login failed: %v", msg.err)
			return m, nil
		}
		m.login.reset()
		if msg.guest {
			m.debug.Add(debug.KindAuth, "entered as guest")
		} else {
			m.debug.Add(debug.KindAuth, "logged in")
		}
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.notice = actionError(msg.err)
			m.debug.Addf(debug.KindError, "simulate %s: %v", msg.sensor, msg.err)
			if m.overlay == OverlaySimulate {
				m.simulate.busy = false
				m.simulate.err = m.notice
			}
			return m, nil
		}
		m.notice = fmt.Sprintf("Sent %s event", msg.sensor)
		m.debug.Addf(debug.KindAction, "simulated %s", msg.sensor)
		if m.overlay == OverlaySimulate {
			m.overlay = OverlayNone
			m.simulate.reset()
		}
		return m, nil

	case metricsMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "metrics: %v", msg.err)
			return m, nil
		}
		m.sensors.SetMetrics(msg.metrics)
		return m, nil

	case logoutMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "logout: %v", msg.err)
		}
		return m, nil
	}

	if m.overlay == OverlaySimulate {
		return m, m.simulate.update(msg)
	}
	if m.view.Phase != controller.LoggedIn {
		return m, m.login.update(msg)
	}
	return m, nil
}

// applyView takes a new controller snapshot, logging what changed.
func (m *Model) applyView(v controller.View) tea.Cmd {
	prev := m.view
	m.view = v

	if v.Conn != prev.Conn {
		switch v.Conn {
		case conn.Reconnecting:
			m.debug.Addf(debug.KindConn, "reconnecting in %s (attempt %d)", v.RetryIn, v.Attempt)
		default:
			m.debug.Addf(debug.KindConn, "%s", v.Conn)
		}
	}
	if v.LastErr != "" && v.LastErr != prev.LastErr {
		m.debug.Add(debug.KindError, v.LastErr)
	}
	if prev.Seeding && !v.Seeding && v.Phase == controller.LoggedIn {
		m.debug.Addf(debug.KindData, "snapshot: %d sensors", len(v.Sensors))
	}

	m.keys.setActions(v.Caps.CanAct)
	m.statusBar.Set(v)
	m.sensors.Seeding = v.Seeding
	m.sensors.SetReadings(v.Sensors)
	m.alerts.Permitted = v.Caps.CanViewAlerts
	m.alerts.SetAlerts(v.Alerts)

	if m.overlay == OverlaySimulate && !v.Caps.CanAct {
		m.overlay = OverlayNone
		m.simulate.reset()
		m.notice = refusal(v)
	}

	var cmd tea.Cmd
	switch {
	case v.Phase == controller.LoggedIn && prev.Phase != controller.LoggedIn:
		m.notice = ""
		cmd = m.metricsCmd()
	case v.Phase == controller.LoggedOut && prev.Phase == controller.LoggedIn:
		m.notice = ""
		m.overlay = OverlayNone
		m.sensors = sensors.New()
		m.sensors.Width = m.width
		m.login.reset()
		m.debug.Add(debug.KindAuth, "logged out")
	}
	return cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.ForceQuit) {
		return m.quit()
	}

	switch m.overlay {
	case OverlaySimulate:
		return m.handleSimulateKey(msg)
	case OverlayHelp, OverlayDebug:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Help) && m.overlay == OverlayHelp,
			key.Matches(msg, m.keys.Debug) && m.overlay == OverlayDebug:
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up) && m.overlay == OverlayDebug:
			m.debug.ScrollUp(1)
		case key.Matches(msg, m.keys.Down) && m.overlay == OverlayDebug:
			m.debug.ScrollDown(1)
		}
		return m, nil
	}

	if m.view.Phase != controller.LoggedIn {
		return m.handleLoginKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Down):
		m.alerts.ScrollDown(1)
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.alerts.ScrollUp(1)
		return m, nil

	case isAction(msg):
		if !m.view.Caps.CanAct {
			m.notice = refusal(m.view)
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.SimMotion):
			return m, m.submitCmd("motion", json.RawMessage(`{"detected":true}`))
		case key.Matches(msg, m.keys.SimTemp):
			payload := fmt.Sprintf(`{"value":%d}`, 20+m.randInt(16))
			return m, m.submitCmd("temperature", json.RawMessage(payload))
		case key.Matches(msg, m.keys.SimAccess):
			return m, m.submitCmd("access", json.RawMessage(`{"granted":false,"card_id":"CARD-001"}`))
		default:
			m.overlay = OverlaySimulate
			m.simulate.reset()
			return m, m.simulate.focusField(0)
		}

	case key.Matches(msg, m.keys.Metrics):
		return m, m.metricsCmd()

	case key.Matches(msg, m.keys.Logout):
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg { return logoutMsg{err: ctrl.Logout(ctx)} }

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil

	case key.Matches(msg, m.keys.Escape):
		m.notice = ""
		return m, nil
	}
	return m, nil
}

// isAction matches the simulate keys whether or not they are enabled, so
// a refused press can be explained.
func isAction(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "1", "2", "3", "s":
		return true
	}
	return false
}

func (m Model) handleLoginKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.login.busy || m.view.Phase == controller.LoggingIn {
		return m, nil
	}
	switch {
	case key.Matches(msg, m.keys.Guest):
		m.login.busy = true
		m.login.err = ""
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg { return loginResultMsg{guest: true, err: ctrl.Guest(ctx)} }

	case msg.String() == "shift+tab":
		return m, m.login.prev()

	case key.Matches(msg, m.keys.NextField):
		return m, m.login.next()

	case key.Matches(msg, m.keys.Submit):
		if !m.login.onLast() {
			return m, m.login.next()
		}
		user, pass := m.login.value(0), m.login.inputs[1].Value()
		if user == "" || pass == "" {
			m.login.err = "Username and password are required"
			return m, nil
		}
		m.login.busy = true
		m.login.err = ""
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg { return loginResultMsg{err: ctrl.Login(ctx, user, pass)} }
	}
	return m, m.login.update(msg)
}

func (m Model) handleSimulateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.overlay = OverlayNone
		m.simulate.reset()
		return m, nil

	case msg.String() == "shift+tab":
		return m, m.simulate.prev()

	case key.Matches(msg, m.keys.NextField):
		return m, m.simulate.next()

	case key.Matches(msg, m.keys.Submit):
		if !m.simulate.onLast() {
			return m, m.simulate.next()
		}
		if m.simulate.busy {
			return m, nil
		}
		sensor, payload := m.simulate.value(0), m.simulate.value(1)
		if sensor == "" {
			m.simulate.err = "Sensor is required"
			return m, nil
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			m.simulate.err = "Payload is not valid JSON"
			return m, nil
		}
		m.simulate.busy = true
		m.simulate.err = ""
		return m, m.submitCmd(sensor, json.RawMessage(payload))
	}
	return m, m.simulate.update(msg)
}

func (m Model) submitCmd(sensor string, payload json.RawMessage) tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		_, err := ctrl.Submit(ctx, sensor, payload)
		return actionResultMsg{sensor: sensor, err: err}
	}
}

func (m Model) metricsCmd() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		metrics, err := ctrl.Metrics(ctx)
		return metricsMsg{metrics: metrics, err: err}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	if m.unsub != nil {
		m.unsub()
	}
	return m, tea.Quit
}

// refusal explains why an action key did nothing.
func refusal(v controller.View) string {
	if v.Conn != conn.Open {
		return "Actions are unavailable until the live connection is back"
	}
	return fmt.Sprintf("Role %q cannot perform actions", v.Session.Role)
}

func loginError(err error) string {
	if client.UserFacing(err) {
		return client.Detail(err)
	}
	if errors.Is(err, controller.ErrBusy) {
		return "A login is already in progress"
	}
	return "Could not reach the server"
}

func actionError(err error) string {
	switch {
	case errors.Is(err, controller.ErrNotPermitted):
		return "Action refused: not permitted right now"
	case client.UserFacing(err):
		return "Action failed: " + client.Detail(err)
	default:
		return "Action failed: could not reach the server"
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.view.Phase != controller.LoggedIn {
		f := m.login
		if m.view.Phase == controller.LoggingIn {
			f.busy = true
		}
		if f.err == "" && m.view.LastErr != "" {
			f.err = m.view.LastErr
		}
		body := f.view(m.width, "enter:sign in  tab:next field  ctrl+g:guest  ctrl+c:quit")
		return lipgloss.JoinVertical(lipgloss.Left,
			m.statusBar.View(),
			lipgloss.Place(m.width, max(m.height-3, 10), lipgloss.Center, lipgloss.Center, body),
		)
	}

	switch m.overlay {
	case OverlayHelp:
		return m.help.Render(help.Markdown(m.helpSections()), m.width)
	case OverlayDebug:
		return m.debug.View(m.width, m.height)
	case OverlaySimulate:
		body := m.simulate.view(m.width, "enter:send  tab:next field  esc:cancel")
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, body)
	}

	top := lipgloss.JoinVertical(lipgloss.Left, m.statusBar.View(), m.sensors.View())
	rows := m.height - lipgloss.Height(top) - 4
	sections := []string{top, m.alerts.View(rows)}
	if m.notice != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("  "+m.notice))
	}
	sections = append(sections, theme.StyleDimmed.Render("  "+m.footer()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// footer lists the enabled dashboard bindings.
func (m Model) footer() string {
	bindings := []key.Binding{
		m.keys.SimMotion, m.keys.SimTemp, m.keys.SimAccess, m.keys.SimCustom,
		m.keys.Metrics, m.keys.Debug, m.keys.Help, m.keys.Logout, m.keys.Quit,
	}
	var parts []string
	for _, b := range bindings {
		if b.Enabled() {
			parts = append(parts, b.Help().Key+":"+b.Help().Desc)
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) helpSections() []help.Section {
	actionNote := ""
	if !m.view.Caps.CanAct {
		actionNote = refusal(m.view) + "."
	}
	return []help.Section{
		{
			Title: "Actions",
			Note:  actionNote,
			Bindings: []key.Binding{
				m.keys.SimMotion, m.keys.SimTemp, m.keys.SimAccess, m.keys.SimCustom,
			},
		},
		{
			Title:    "Navigation",
			Bindings: []key.Binding{m.keys.Up, m.keys.Down, m.keys.Metrics, m.keys.Debug, m.keys.Help, m.keys.Escape},
		},
		{
			Title:    "Session",
			Bindings: []key.Binding{m.keys.Logout, m.keys.Quit},
		},
	}
}
