// Package conn owns the live event channel: one WebSocket per manager run,
// reconnected with capped exponential backoff until Stop.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/clock"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	defaultBuffer = 256
)

// State is the lifecycle stage of the live channel.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind identifies a manager event.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventOpen
	EventMessage
	EventClose
	EventReconnecting
)

// Event is one lifecycle or message notification. Gen identifies the
// manager run that produced it; see Accept.
type Event struct {
	Gen     uint64
	Kind    EventKind
	State   State
	Data    []byte
	Err     error
	Attempt int
	Delay   time.Duration
}

// Listener receives accepted events through Dispatch.
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
	OnReconnecting(attempt int, delay time.Duration)
}

// CredentialSource reports the credential to use for a reconnect. ok=false
// means there is no session and the manager must not retry.
type CredentialSource func() (credential string, ok bool)

// Options configures a Manager. Zero values pick defaults.
type Options struct {
	Backoff    Backoff
	Clock      clock.Clock
	Dialer     Dialer
	Credential CredentialSource
	Logger     *slog.Logger
	// Buffer is the capacity of the Events channel.
	Buffer int
}

// Status is a point-in-time copy of the manager's state.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Gen     uint64
}

// Manager runs the connection state machine.
type Manager struct {
	backoff    Backoff
	clock      clock.Clock
	dialer     Dialer
	credSource CredentialSource
	logger     *slog.Logger
	events     chan Event
	id         string

	mu         sync.Mutex
	writeMu    sync.Mutex // serialises conn writes (pings)
	state      State
	gen        uint64
	attempt    int
	delay      time.Duration
	endpoint   string
	credential string
	timer      clock.Timer
	cancel     context.CancelFunc
	conn       *websocket.Conn
}

// New creates an idle Manager.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewDialer(10 * time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	id := uuid.NewString()
	return &Manager{
		backoff:    opts.Backoff.normalized(),
		clock:      opts.Clock,
		dialer:     opts.Dialer,
		credSource: opts.Credential,
		logger:     opts.Logger.With("component", "conn", "conn_id", id),
		events:     make(chan Event, opts.Buffer),
		id:         id,
	}
}

// ID returns the manager's instance id.
func (m *Manager) ID() string { return m.id }

// Events returns the channel events are delivered on, in transition order.
func (m *Manager) Events() <-chan Event { return m.events }

// Status returns the current state, attempt and retry delay.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempt: m.attempt, Delay: m.delay, Gen: m.gen}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Accept reports whether ev belongs to the current run. Events from a run
// that has since been stopped are stale and must be ignored.
func (m *Manager) Accept(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ev.Gen == m.gen && m.state != Idle
}

// Dispatch delivers an accepted event to l. It reports whether the event
// was accepted.
func (m *Manager) Dispatch(ev Event, l Listener) bool {
	if !m.Accept(ev) {
		return false
	}
	switch ev.Kind {
	case EventOpen:
		l.OnOpen()
	case EventMessage:
		l.OnMessage(ev.Data)
	case EventClose:
		l.OnClose(ev.Err)
	case EventReconnecting:
		l.OnReconnecting(ev.Attempt, ev.Delay)
	}
	return true
}

// Start begins connecting to endpoint. It is a no-op returning false when
// credential is empty or a run is already active.
func (m *Manager) Start(endpoint, credential string) bool {
	if credential == "" {
		m.logger.Debug("start skipped: no credential")
		return false
	}
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return false
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.endpoint = endpoint
	m.credential = credential
	m.attempt = 0
	m.delay = 0
	m.state = Connecting
	m.mu.Unlock()

	m.logger.Info("connection starting", "endpoint", endpoint, "gen", gen)
	go m.run(ctx, gen)
	return true
}

// Stop moves the manager to Idle. It cancels the reconnect timer and any
// in-flight dial, closes the socket, and invalidates every event already
// queued. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = Idle
	m.attempt = 0
	m.delay = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.logger.Info("connection stopped")
}

// run drives one manager run. It is the only goroutine that emits events
// for gen, so events arrive in transition order.
func (m *Manager) run(ctx context.Context, gen uint64) {
	for {
		if !m.emit(ctx, gen, Event{Kind: EventConnecting, State: Connecting}) {
			return
		}

		conn, err := m.dial(ctx, gen)
		if err == nil {
			if !m.opened(ctx, gen, conn) {
				conn.Close()
				return
			}
			err = m.readLoop(ctx, gen, conn)
		}

		attempt, ok := m.closed(gen, err)
		if !ok {
			return
		}
		if !m.emit(ctx, gen, Event{Kind: EventClose, State: Closed, Err: err, Attempt: attempt}) {
			return
		}

		fired, ok := m.scheduleReconnect(gen)
		if !ok {
			return
		}
		m.mu.Lock()
		delay := m.delay
		m.mu.Unlock()
		if !m.emit(ctx, gen, Event{Kind: EventReconnecting, State: Reconnecting, Attempt: attempt, Delay: delay}) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-fired:
		}
		if !m.transition(gen, Reconnecting, Connecting) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) (*websocket.Conn, error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil, context.Canceled
	}
	endpoint, credential := m.endpoint, m.credential
	m.mu.Unlock()

	target, header, err := dialTarget(endpoint, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", client.ErrTransport, err)
	}
	conn, resp, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial: %w (status %d)", client.ErrTransport, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %w", client.ErrTransport, err)
	}
	return conn, nil
}

// opened records a successful handshake. It reports false when the run was
// stopped while dialing.
func (m *Manager) opened(ctx context.Context, gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		return false
	}
	m.state = Open
	m.attempt = 0
	m.delay = 0
	m.conn = conn
	m.mu.Unlock()

	m.logger.Info("connection open")
	go m.pingLoop(ctx, conn)
	return m.emit(ctx, gen, Event{Kind: EventOpen, State: Open})
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			conn.Close()
			return fmt.Errorf("%w: %w", client.ErrTransport, err)
		}
		if !m.emit(ctx, gen, Event{Kind: EventMessage, State: Open, Data: data}) {
			return context.Canceled
		}
	}
}

// closed moves a failed or dropped run to Closed and bumps the attempt
// counter. It reports false when the run was stopped.
func (m *Manager) closed(gen uint64, cause error) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || (m.state != Open && m.state != Connecting) {
		return 0, false
	}
	m.state = Closed
	m.attempt++
	m.logger.Warn("connection closed", "error", cause, "attempt", m.attempt)
	return m.attempt, true
}

// scheduleReconnect arms the backoff timer unless there is no session to
// reconnect with. The returned channel closes when the timer fires.
func (m *Manager) scheduleReconnect(gen uint64) (<-chan struct{}, bool) {
	credential, ok := m.currentCredential()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != Closed {
		return nil, false
	}
	if !ok || credential == "" {
		m.logger.Info("no session; not reconnecting")
		return nil, false
	}
	m.credential = credential
	m.delay = m.backoff.Delay(m.attempt)
	m.state = Reconnecting

	fired := make(chan struct{})
	m.timer = m.clock.AfterFunc(m.delay, func() { close(fired) })
	m.logger.Info("reconnect scheduled", "attempt", m.attempt, "delay", m.delay)
	return fired, true
}

func (m *Manager) currentCredential() (string, bool) {
	if m.credSource != nil {
		return m.credSource()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential, m.credential != ""
}

func (m *Manager) transition(gen uint64, from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != from {
		return false
	}
	m.state = to
	m.timer = nil
	return true
}

// emit stamps ev with gen and queues it. It gives up when the run is
// cancelled.
func (m *Manager) emit(ctx context.Context, gen uint64, ev Event) bool {
	ev.Gen = gen
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled or the
// connection is replaced.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			cc := m.conn
			m.mu.Unlock()
			if cc != conn {
				return
			}
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					m.logger.Debug("ping failed", "error", err)
				}
				return
			}
		}
	}
}
