package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/clock"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/logging"
	"github.com/stark-sentinel/tui/internal/permission"
	"github.com/stark-sentinel/tui/internal/reconcile"
	"github.com/stark-sentinel/tui/internal/session"
	"github.com/stark-sentinel/tui/internal/testserver"
)

type harness struct {
	t     *testing.T
	srv   *testserver.Server
	clock *clock.FakeClock
	store *session.Store
	ctrl  *Controller
	views <-chan View
}

func newHarness(t *testing.T, srv *testserver.Server, tweak func(*Options)) *harness {
	t.Helper()
	logger := logging.Discard()
	fc := clock.Fake(time.Unix(1_700_000_000, 0))
	store := session.NewStore(session.NewMemoryBackend(), logger)
	opts := Options{
		HTTP:     client.NewHTTPClient(srv.URL(), 5*time.Second, logger),
		Store:    store,
		Resolver: permission.MustResolver(permission.DefaultTable()),
		WSURL:    srv.WSURL(),
		Backoff:  conn.Backoff{Base: time.Second, Cap: 10 * time.Second},
		Clock:    fc,
		Dialer:   conn.NewDialer(2 * time.Second),
		Logger:   logger,
	}
	if tweak != nil {
		tweak(&opts)
	}
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	views, unsub := c.Subscribe()
	t.Cleanup(unsub)
	return &harness{t: t, srv: srv, clock: fc, store: store, ctrl: c, views: views}
}

// waitFor blocks until a published view satisfies pred.
func (h *harness) waitFor(desc string, pred func(View) bool) View {
	h.t.Helper()
	if v := h.ctrl.View(); pred(v) {
		return v
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-h.views:
			if pred(v) {
				return v
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s; last view %+v", desc, h.ctrl.View())
			return View{}
		}
	}
}

func (h *harness) waitOpen() View {
	h.t.Helper()
	return h.waitFor("open connection", func(v View) bool { return v.Conn == conn.Open && !v.Seeding })
}

func newServer(t *testing.T, opts ...testserver.Option) *testserver.Server {
	t.Helper()
	base := []testserver.Option{
		testserver.WithUser("tony", "mark42", "admin"),
		testserver.WithUser("happy", "driver", "viewer"),
	}
	srv := testserver.New(append(base, opts...)...)
	t.Cleanup(srv.Close)
	return srv
}

func TestViewerAndAdminCapabilities(t *testing.T) {
	tests := []struct {
		user, pass string
		want       permission.Capabilities
	}{
		{"happy", "driver", permission.Capabilities{CanAct: false, CanViewAlerts: false}},
		{"tony", "mark42", permission.Capabilities{CanAct: true, CanViewAlerts: true}},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			srv := newServer(t)
			h := newHarness(t, srv, nil)
			if err := h.ctrl.Login(context.Background(), tt.user, tt.pass); err != nil {
				t.Fatalf("Login: %v", err)
			}
			v := h.waitOpen()
			if !srv.WaitForClients(1, 2*time.Second) {
				t.Fatal("no ws client")
			}
			if v.Caps != tt.want {
				t.Errorf("caps = %+v, want %+v", v.Caps, tt.want)
			}
			if v.Session.Identity != tt.user || v.Session.Credential != "" || v.Guest {
				t.Errorf("session in view = %+v guest=%v", v.Session, v.Guest)
			}

			srv.Broadcast(testserver.Frame(client.FrameAlert, "access", "critical", time.Now(), nil))
			v = h.waitFor("sensor from live alert", func(v View) bool { return len(v.Sensors) == 1 })
			if tt.want.CanViewAlerts && len(v.Alerts) != 1 {
				t.Errorf("alerts = %d, want 1", len(v.Alerts))
			}
			if !tt.want.CanViewAlerts && len(v.Alerts) != 0 {
				t.Errorf("viewer sees %d alerts", len(v.Alerts))
			}
		})
	}
}

func TestCanActOnlyWhileOpen(t *testing.T) {
	srv := newServer(t)

	var mu sync.Mutex
	var trace []View
	h := newHarness(t, srv, nil)
	views, unsub := h.ctrl.Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case v := <-views:
				mu.Lock()
				trace = append(trace, v)
				mu.Unlock()
			case <-h.ctrl.Done():
				return
			}
		}
	}()

	ctx := context.Background()
	if err := h.ctrl.Login(ctx, "tony", "mark42"); err != nil {
		t.Fatal(err)
	}
	h.waitOpen()
	if !srv.WaitForClients(1, 2*time.Second) {
		t.Fatal("no ws client")
	}

	srv.DropClients()
	v := h.waitFor("reconnecting", func(v View) bool { return v.Conn == conn.Reconnecting })
	if v.Caps.CanAct {
		t.Error("CanAct while reconnecting")
	}
	if v.Attempt != 1 || v.RetryIn != time.Second {
		t.Errorf("attempt %d retry %s, want 1 1s", v.Attempt, v.RetryIn)
	}
	if _, err := h.ctrl.Submit(ctx, "motion", nil); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("Submit while reconnecting err = %v, want ErrNotPermitted", err)
	}

	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
	v = h.waitOpen()
	if !v.Caps.CanAct {
		t.Error("CanAct should return once open again")
	}

	if err := h.ctrl.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	h.waitFor("logged out", func(v View) bool { return v.Phase == LoggedOut })

	mu.Lock()
	defer mu.Unlock()
	if len(trace) == 0 {
		t.Fatal("no views traced")
	}
	for _, v := range trace {
		if v.Caps.CanAct && v.Conn != conn.Open {
			t.Errorf("revision %d: CanAct with conn %s", v.Revision, v.Conn)
		}
	}
}

type orderedBackend struct {
	session.Backend
	onDelete func()
}

func (b *orderedBackend) Delete(ctx context.Context, keys ...string) error {
	b.onDelete()
	return b.Backend.Delete(ctx, keys...)
}

func TestLogoutOrdering(t *testing.T) {
	srv := newServer(t)
	logger := logging.Discard()

	var (
		mu     sync.Mutex
		steps  []string
		mgr    *conn.Manager
		rec    = reconcile.New(10, logger)
		logged atomic.Bool
	)
	record := func(s string) {
		mu.Lock()
		steps = append(steps, s)
		mu.Unlock()
	}
	backend := &orderedBackend{Backend: session.NewMemoryBackend(), onDelete: func() {
		if !logged.Load() {
			return
		}
		record("clear:manager=" + mgr.State().String())
	}}
	rec.Subscribe(func(c reconcile.Change) {
		if c.Kind == reconcile.ChangeReset && logged.Load() {
			record("reset")
		}
	})

	h := newHarness(t, srv, func(o *Options) {
		o.Store = session.NewStore(backend, logger)
		o.Reconciler = rec
		o.NewManager = func(opts conn.Options) *conn.Manager {
			mgr = conn.New(opts)
			return mgr
		}
	})

	ctx := context.Background()
	if err := h.ctrl.Login(ctx, "tony", "mark42"); err != nil {
		t.Fatal(err)
	}
	h.waitOpen()
	logged.Store(true)

	if err := h.ctrl.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	got := append([]string(nil), steps...)
	mu.Unlock()
	want := []string{"clear:manager=idle", "reset"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("logout steps = %v, want %v", got, want)
	}

	v := h.ctrl.View()
	if v.Phase != LoggedOut || v.Conn != conn.Idle || len(v.Sensors) != 0 || v.Caps != (permission.Capabilities{}) {
		t.Errorf("view after logout = %+v", v)
	}
	if _, ok := session.NewStore(backend, logger).Get(ctx); ok {
		t.Error("session still persisted after logout")
	}

	// No reconnect after logout, however long we wait.
	connects := srv.Connects()
	h.clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if srv.Connects() != connects {
		t.Errorf("reconnected after logout")
	}
}

func TestSubmitGating(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	t.Run("viewer refused", func(t *testing.T) {
		h := newHarness(t, srv, nil)
		if err := h.ctrl.Login(ctx, "happy", "driver"); err != nil {
			t.Fatal(err)
		}
		h.waitOpen()
		if _, err := h.ctrl.Submit(ctx, "motion", json.RawMessage(`{"detected":true}`)); !errors.Is(err, ErrNotPermitted) {
			t.Errorf("err = %v, want ErrNotPermitted", err)
		}
		if n := len(srv.Simulated()); n != 0 {
			t.Errorf("backend received %d simulate calls", n)
		}
	})

	t.Run("logged out refused", func(t *testing.T) {
		h := newHarness(t, srv, nil)
		if _, err := h.ctrl.Submit(ctx, "motion", nil); !errors.Is(err, ErrNotLoggedIn) {
			t.Errorf("err = %v, want ErrNotLoggedIn", err)
		}
	})

	t.Run("admin accepted and echoed", func(t *testing.T) {
		h := newHarness(t, srv, nil)
		if err := h.ctrl.Login(ctx, "tony", "mark42"); err != nil {
			t.Fatal(err)
		}
		h.waitOpen()
		if !srv.WaitForClients(1, 2*time.Second) {
			t.Fatal("no ws client")
		}
		if _, err := h.ctrl.Submit(ctx, "temperature", json.RawMessage(`{"value":61}`)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		v := h.waitFor("echoed reading", func(v View) bool {
			return len(v.Sensors) == 1 && v.Sensors[0].SensorID == "temperature"
		})
		if string(v.Sensors[0].Value) != `{"value":61}` {
			t.Errorf("value = %s", v.Sensors[0].Value)
		}
	})
}

func TestSubmitFailureIsUserFacing(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, nil)
	ctx := context.Background()
	if err := h.ctrl.Login(ctx, "tony", "mark42"); err != nil {
		t.Fatal(err)
	}
	h.waitOpen()

	_, err := h.ctrl.Submit(ctx, "", nil)
	if !errors.Is(err, client.ErrActionSubmission) {
		t.Fatalf("err = %v, want ErrActionSubmission", err)
	}
	v := h.waitFor("error in view", func(v View) bool { return v.LastErr != "" })
	if v.LastErr != "sensor and payload are required" {
		t.Errorf("LastErr = %q", v.LastErr)
	}
	if v.Conn != conn.Open {
		t.Error("action failure should not affect the connection")
	}
}

func TestCancelledLoginReturnsToLoggedOut(t *testing.T) {
	// The cancelled caller races the loop, so repeat to cover both orders.
	for i := 0; i < 10; i++ {
		srv := newServer(t)
		release := srv.HoldTokens()
		h := newHarness(t, srv, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := h.ctrl.Login(ctx, "tony", "mark42")
		cancel()
		release()
		if err == nil {
			t.Fatalf("run %d: Login with an expired context succeeded", i)
		}
		if v := h.ctrl.View(); v.Phase != LoggedOut {
			t.Fatalf("run %d: phase = %s after cancelled login, want logged out", i, v.Phase)
		}

		if err := h.ctrl.Guest(context.Background()); err != nil {
			t.Fatalf("run %d: Guest after cancelled login: %v", i, err)
		}
		if v := h.ctrl.View(); v.Phase != LoggedIn || !v.Guest {
			t.Fatalf("run %d: view = %+v, want guest session", i, v)
		}
	}
}

func TestLoginFailure(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, nil)

	err := h.ctrl.Login(context.Background(), "tony", "wrong")
	if !errors.Is(err, client.ErrAuthFailure) {
		t.Fatalf("err = %v, want ErrAuthFailure", err)
	}
	v := h.ctrl.View()
	if v.Phase != LoggedOut {
		t.Errorf("phase = %s, want logged out", v.Phase)
	}
	if v.LastErr != "Incorrect username or password" {
		t.Errorf("LastErr = %q", v.LastErr)
	}
	if srv.Connects() != 0 {
		t.Error("failed login opened a connection")
	}
}

func TestSnapshotFailureDegradesToEmpty(t *testing.T) {
	srv := newServer(t, testserver.WithSnapshotStatus(http.StatusInternalServerError))
	h := newHarness(t, srv, nil)

	if err := h.ctrl.Login(context.Background(), "tony", "mark42"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	v := h.waitOpen()
	if v.Phase != LoggedIn || len(v.Sensors) != 0 || v.LastErr != "" {
		t.Errorf("view = %+v", v)
	}
	if !srv.WaitForClients(1, 2*time.Second) {
		t.Fatal("no ws client")
	}

	srv.Broadcast(testserver.Frame(client.FrameSensorUpdate, "motion", "ok", time.Now(), "clear"))
	h.waitFor("live reading", func(v View) bool { return len(v.Sensors) == 1 })
}

func TestSnapshotSeedsBeforeBufferedLiveFrames(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(t, testserver.WithSnapshot(`{
		"motion": {"last_state": "detected", "last_ts": "2024-05-01T12:00:00", "status": "critical"},
		"alerts": [{"level":"critical","sensor":"motion","message":"unauthorized","ts":"2024-05-01T12:00:00"}]
	}`))
	release := srv.HoldSnapshots()
	defer release()
	h := newHarness(t, srv, nil)

	if err := h.ctrl.Login(context.Background(), "tony", "mark42"); err != nil {
		t.Fatal(err)
	}
	h.waitFor("open while seeding", func(v View) bool { return v.Conn == conn.Open && v.Seeding })
	if !srv.WaitForClients(1, 2*time.Second) {
		t.Fatal("no ws client")
	}

	// The live channel repeats the snapshot's alert before the snapshot lands.
	srv.Broadcast(testserver.Frame(client.FrameAlert, "motion", "critical", ts, nil))
	// Give the frame time to reach the controller's buffer.
	time.Sleep(50 * time.Millisecond)
	if v := h.ctrl.View(); len(v.Alerts) != 0 {
		t.Fatalf("frame applied before seed: %+v", v.Alerts)
	}

	release()
	v := h.waitFor("seeded", func(v View) bool { return !v.Seeding })
	if len(v.Alerts) != 1 {
		t.Errorf("alerts = %d, want 1 (overlap absorbed)", len(v.Alerts))
	}
	if len(v.Sensors) != 1 || v.Sensors[0].Status != client.StatusCritical {
		t.Errorf("sensors = %+v", v.Sensors)
	}
}

func TestGuestHasNoLiveChannel(t *testing.T) {
	srv := newServer(t, testserver.WithSnapshot(`{"motion":{"last_state":"clear","last_ts":1714566600}}`))
	h := newHarness(t, srv, nil)

	if err := h.ctrl.Guest(context.Background()); err != nil {
		t.Fatalf("Guest: %v", err)
	}
	v := h.waitFor("guest seeded", func(v View) bool { return v.Phase == LoggedIn && !v.Seeding })
	if !v.Guest || v.Session.Identity != client.GuestIdentity || v.Session.Role != permission.RoleViewer {
		t.Errorf("guest view = %+v", v)
	}
	if v.Conn != conn.Idle || v.Caps.CanAct {
		t.Errorf("guest conn %s caps %+v", v.Conn, v.Caps)
	}
	if len(v.Sensors) != 1 {
		t.Errorf("guest should still see the snapshot, got %d sensors", len(v.Sensors))
	}
	time.Sleep(50 * time.Millisecond)
	if srv.Connects() != 0 {
		t.Error("guest opened a live connection")
	}

	s, ok := h.store.Get(context.Background())
	if !ok || !s.IsGuest() {
		t.Errorf("guest session not persisted: %+v %v", s, ok)
	}
}

func TestRestore(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, nil)
	ctx := context.Background()

	found, err := h.ctrl.Restore(ctx)
	if err != nil || found {
		t.Fatalf("Restore on empty store = %v, %v", found, err)
	}

	if err := h.store.Set(ctx, session.Session{Identity: "tony", Role: "ADMIN", Credential: srv.Token("tony")}); err != nil {
		t.Fatal(err)
	}
	found, err = h.ctrl.Restore(ctx)
	if err != nil || !found {
		t.Fatalf("Restore = %v, %v", found, err)
	}
	v := h.waitOpen()
	if v.Session.Identity != "tony" || v.Session.Role != permission.RoleAdmin || !v.Caps.CanAct {
		t.Errorf("restored view = %+v", v)
	}
}

func TestUnknownRoleGetsFallback(t *testing.T) {
	srv := newServer(t, testserver.WithUser("rhodey", "pw", "colonel"), testserver.WithoutUserBlock())
	h := newHarness(t, srv, nil)

	if err := h.ctrl.Login(context.Background(), "rhodey", "pw"); err != nil {
		t.Fatal(err)
	}
	v := h.waitOpen()
	if v.Session.Identity != "rhodey" {
		t.Errorf("identity from claims = %q", v.Session.Identity)
	}
	if v.Caps != (permission.Capabilities{}) {
		t.Errorf("unknown role caps = %+v, want none", v.Caps)
	}
}

func TestMetrics(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, nil)
	srv.BroadcastRaw([]byte(`{}`))
	m, err := h.ctrl.Metrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", m.EventsProcessed)
	}
}
