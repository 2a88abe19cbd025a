// Package controller ties the session store, connection manager and
// reconciler together and publishes what the user may see and do.
//
// Every state change runs on the goroutine inside Run. Public methods post
// work to it and block until it is done; network calls (login, snapshot,
// simulate) run outside the loop and post their results back.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/clock"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/permission"
	"github.com/stark-sentinel/tui/internal/reconcile"
	"github.com/stark-sentinel/tui/internal/session"
)

var (
	ErrNotPermitted = errors.New("action not permitted")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrBusy         = errors.New("login already in progress")
	ErrStopped      = errors.New("controller stopped")
)

// Phase is the login lifecycle.
type Phase int

const (
	LoggedOut Phase = iota
	LoggingIn
	LoggedIn
)

func (p Phase) String() string {
	switch p {
	case LoggedOut:
		return "logged out"
	case LoggingIn:
		return "logging in"
	case LoggedIn:
		return "logged in"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// View is an immutable snapshot of controller state for rendering.
type View struct {
	Phase Phase
	// Session never carries the credential; Guest says whether there was one.
	Session session.Session
	Guest   bool
	Conn    conn.State
	Attempt int
	RetryIn time.Duration
	Caps    permission.Capabilities
	Sensors []client.SensorReading
	// Alerts is empty unless Caps.CanViewAlerts.
	Alerts   []client.AlertRecord
	Seeding  bool
	LastErr  string
	Revision uint64
}

// Options configures a Controller.
type Options struct {
	HTTP     *client.HTTPClient
	Store    *session.Store
	Resolver *permission.Resolver
	WSURL    string

	// Reconciler is created with AlertCapacity when nil.
	Reconciler    *reconcile.Reconciler
	AlertCapacity int

	Backoff conn.Backoff
	Clock   clock.Clock
	Dialer  conn.Dialer
	// NewManager overrides how a connection manager is built per login.
	NewManager func(conn.Options) *conn.Manager

	GuestRole string
	Logger    *slog.Logger
}

type snapshotResult struct {
	epoch uint64
	snap  client.Snapshot
	err   error
}

// Controller orchestrates one user session at a time.
type Controller struct {
	opts    Options
	http    *client.HTTPClient
	store   *session.Store
	perms   *permission.Resolver
	rec     *reconcile.Reconciler
	logger  *slog.Logger
	reqs    chan func()
	snaps   chan snapshotResult
	stopped chan struct{}
	running sync.Once

	// Owned by the loop goroutine.
	phase     Phase
	sess      session.Session
	mgr       *conn.Manager
	connState conn.Status
	epoch     uint64
	seeding   bool
	pending   [][]byte
	lastErr   string
	loopCtx   context.Context

	mu       sync.RWMutex
	view     View
	revision uint64
	subs     map[int]chan View
	nextSub  int
}

// New creates a Controller. Call Run before using it.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.GuestRole == "" {
		opts.GuestRole = string(permission.RoleViewer)
	}
	if opts.NewManager == nil {
		opts.NewManager = conn.New
	}
	if opts.Resolver == nil {
		opts.Resolver = permission.MustResolver(permission.DefaultTable())
	}
	rec := opts.Reconciler
	if rec == nil {
		rec = reconcile.New(opts.AlertCapacity, opts.Logger)
	}
	c := &Controller{
		opts:    opts,
		http:    opts.HTTP,
		store:   opts.Store,
		perms:   opts.Resolver,
		rec:     rec,
		logger:  opts.Logger.With("component", "controller"),
		reqs:    make(chan func()),
		snaps:   make(chan snapshotResult),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan View),
	}
	c.view = c.buildView()
	return c
}

// Run processes work until ctx is cancelled. The live connection is
// stopped on exit; the persisted session is kept so the next start can
// Restore it.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.running.Do(func() { started = true })
	if !started {
		return errors.New("controller already ran")
	}
	c.loopCtx = ctx
	defer close(c.stopped)

	for {
		var events <-chan conn.Event
		if c.mgr != nil {
			events = c.mgr.Events()
		}
		select {
		case <-ctx.Done():
			if c.mgr != nil {
				c.mgr.Stop()
				c.mgr = nil
			}
			return ctx.Err()
		case fn := <-c.reqs:
			fn()
		case ev := <-events:
			c.handleEvent(ev)
		case res := <-c.snaps:
			c.handleSnapshot(res)
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case c.reqs <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// Login authenticates against the backend and enters the logged-in phase.
// Failures are user-facing and leave the controller logged out.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	var (
		epoch uint64
		err   error
	)
	if e := c.do(ctx, func() {
		switch c.phase {
		case LoggingIn:
			err = ErrBusy
			return
		case LoggedIn:
			c.logout(ctx)
		}
		c.phase = LoggingIn
		c.epoch++
		epoch = c.epoch
		c.lastErr = ""
		c.publish()
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	login, authErr := c.http.Authenticate(ctx, username, password)
	if authErr == nil {
		authErr = ctx.Err()
	}

	// The outcome is posted even when ctx has ended, otherwise the phase
	// would stay LoggingIn.
	if e := c.do(context.WithoutCancel(ctx), func() {
		if c.epoch != epoch || c.phase != LoggingIn {
			err = fmt.Errorf("login superseded: %w", context.Canceled)
			return
		}
		if authErr != nil {
			c.phase = LoggedOut
			c.fail(authErr)
			err = authErr
			return
		}
		err = c.enter(ctx, session.Session{
			Identity:   login.Identity,
			Role:       permission.Normalize(login.Role),
			Credential: login.Token,
		}, true)
	}); e != nil {
		return e
	}
	return err
}

// Guest enters a local, tokenless session with the configured guest role.
// No live connection is opened for it.
func (c *Controller) Guest(ctx context.Context) error {
	var err error
	if e := c.do(ctx, func() {
		if c.phase == LoggingIn {
			err = ErrBusy
			return
		}
		if c.phase == LoggedIn {
			c.logout(ctx)
		}
		g := client.Guest(c.opts.GuestRole)
		err = c.enter(ctx, session.Session{
			Identity: g.Identity,
			Role:     permission.Normalize(g.Role),
		}, true)
	}); e != nil {
		return e
	}
	return err
}

// Restore resumes a persisted session. It reports whether one was found.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	var (
		found bool
		err   error
	)
	if e := c.do(ctx, func() {
		if c.phase != LoggedOut {
			return
		}
		s, ok := c.store.Get(ctx)
		if !ok {
			return
		}
		found = true
		s.Role = permission.Normalize(string(s.Role))
		err = c.enter(ctx, s, false)
	}); e != nil {
		return false, e
	}
	return found, err
}

// Logout stops the live connection, clears the persisted session and then
// the reconciled state, in that order.
func (c *Controller) Logout(ctx context.Context) error {
	return c.do(ctx, func() { c.logout(ctx) })
}

// Submit posts a simulated event. It is refused unless the current view
// allows acting.
func (c *Controller) Submit(ctx context.Context, sensor string, payload json.RawMessage) (json.RawMessage, error) {
	var (
		token   string
		allowed bool
		phase   Phase
	)
	if e := c.do(ctx, func() {
		phase = c.phase
		allowed = c.caps().CanAct
		token = c.sess.Credential
	}); e != nil {
		return nil, e
	}
	if phase != LoggedIn {
		return nil, ErrNotLoggedIn
	}
	if !allowed {
		return nil, ErrNotPermitted
	}

	out, err := c.http.WithToken(token).Simulate(ctx, sensor, payload)
	if err != nil {
		c.do(ctx, func() {
			if c.sess.Credential == token {
				c.fail(err)
			}
		})
		return nil, err
	}
	return out, nil
}

// Metrics fetches backend counters with the current credential.
func (c *Controller) Metrics(ctx context.Context) (client.Metrics, error) {
	var token string
	if e := c.do(ctx, func() { token = c.sess.Credential }); e != nil {
		return client.Metrics{}, e
	}
	return c.http.WithToken(token).Metrics(ctx)
}

// View returns the latest published snapshot.
func (c *Controller) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Subscribe returns a channel that receives the newest View after every
// change. Slow readers only miss intermediate views, never the latest.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.view
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// --- loop-owned helpers ---

// enter moves to LoggedIn: persist, fetch the snapshot, start a fresh
// manager, recompute capabilities.
func (c *Controller) enter(ctx context.Context, s session.Session, persist bool) error {
	if persist {
		if err := c.store.Set(ctx, s); err != nil {
			c.phase = LoggedOut
			c.logger.Error("persisting session failed", "error", err)
			c.publish()
			return fmt.Errorf("persist session: %w", err)
		}
	}
	c.sess = s
	c.phase = LoggedIn
	c.epoch++
	c.lastErr = ""
	c.seeding = true
	c.pending = nil
	c.connState = conn.Status{State: conn.Idle}
	c.logger.Info("session started", "identity", s.Identity, "role", s.Role, "guest", s.IsGuest())

	go c.fetchSnapshot(c.epoch, s.Credential)

	c.mgr = c.opts.NewManager(conn.Options{
		Backoff:    c.opts.Backoff,
		Clock:      c.opts.Clock,
		Dialer:     c.opts.Dialer,
		Credential: c.credential,
		Logger:     c.opts.Logger,
	})
	if !c.mgr.Start(c.opts.WSURL, s.Credential) {
		c.logger.Info("live channel not started", "reason", "no credential")
	}
	c.publish()
	return nil
}

func (c *Controller) logout(ctx context.Context) {
	if c.mgr != nil {
		c.mgr.Stop()
		c.mgr = nil
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("clearing session failed", "error", err)
	}
	c.rec.Reset()

	c.logger.Info("session ended", "identity", c.sess.Identity)
	c.sess = session.Session{}
	c.phase = LoggedOut
	c.epoch++
	c.seeding = false
	c.pending = nil
	c.connState = conn.Status{State: conn.Idle}
	c.lastErr = ""
	c.publish()
}

// credential is consulted by the manager before each reconnect.
func (c *Controller) credential() (string, bool) {
	s, ok := c.store.Get(context.Background())
	if !ok {
		return "", false
	}
	return s.Credential, s.Credential != ""
}

func (c *Controller) fetchSnapshot(epoch uint64, token string) {
	ctx := c.loopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	snap, err := c.http.WithToken(token).FetchSnapshot(ctx)
	select {
	case c.snaps <- snapshotResult{epoch: epoch, snap: snap, err: err}:
	case <-c.stopped:
	}
}

func (c *Controller) handleSnapshot(res snapshotResult) {
	if res.epoch != c.epoch || c.phase != LoggedIn {
		return
	}
	c.seeding = false
	if res.err != nil {
		c.logger.Warn("snapshot unavailable; starting empty", "error", res.err)
	} else {
		c.rec.Seed(res.snap)
	}
	pending := c.pending
	c.pending = nil
	for _, raw := range pending {
		c.ingest(raw)
	}
	c.publish()
}

type listener struct{ c *Controller }

func (l listener) OnOpen() { l.c.logger.Debug("live channel open") }

func (l listener) OnMessage(data []byte) {
	if l.c.seeding {
		l.c.pending = append(l.c.pending, data)
		return
	}
	l.c.ingest(data)
}

func (l listener) OnClose(err error) { l.c.logger.Debug("live channel closed", "error", err) }

func (l listener) OnReconnecting(attempt int, delay time.Duration) {
	l.c.logger.Debug("live channel reconnecting", "attempt", attempt, "delay", delay)
}

func (c *Controller) handleEvent(ev conn.Event) {
	if c.mgr == nil || !c.mgr.Dispatch(ev, listener{c}) {
		return
	}
	c.connState.State = ev.State
	switch ev.Kind {
	case conn.EventOpen:
		c.connState.Attempt = 0
		c.connState.Delay = 0
	case conn.EventClose:
		c.connState.Attempt = ev.Attempt
	case conn.EventReconnecting:
		c.connState.Attempt = ev.Attempt
		c.connState.Delay = ev.Delay
	}
	c.publish()
}

func (c *Controller) ingest(raw []byte) {
	if _, err := c.rec.Ingest(raw); err != nil {
		c.logger.Debug("frame dropped", "error", err)
	}
}

func (c *Controller) fail(err error) {
	if client.UserFacing(err) {
		c.lastErr = client.Detail(err)
	}
	c.logger.Warn("operation failed", "error", err)
	c.publish()
}

// caps derives capabilities from the current role and connection state.
func (c *Controller) caps() permission.Capabilities {
	if c.phase != LoggedIn {
		return permission.Capabilities{}
	}
	return permission.Gate(c.perms.Resolve(string(c.sess.Role)), c.connState.State == conn.Open)
}

func (c *Controller) buildView() View {
	caps := c.caps()
	v := View{
		Phase:   c.phase,
		Session: session.Session{Identity: c.sess.Identity, Role: c.sess.Role},
		Guest:   c.phase == LoggedIn && c.sess.IsGuest(),
		Conn:    c.connState.State,
		Attempt: c.connState.Attempt,
		RetryIn: c.connState.Delay,
		Caps:    caps,
		Seeding: c.seeding,
		LastErr: c.lastErr,
	}
	if c.phase == LoggedIn {
		v.Sensors = c.rec.Sensors()
		if caps.CanViewAlerts {
			v.Alerts = c.rec.Alerts()
		}
	}
	return v
}

func (c *Controller) publish() {
	v := c.buildView()
	c.mu.Lock()
	c.revision++
	v.Revision = c.revision
	c.view = v
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
	c.mu.Unlock()
}
