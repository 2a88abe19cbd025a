package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/testserver"
)

func setup(t *testing.T) *testserver.Server {
	t.Helper()
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	srv := testserver.New(
		testserver.WithUser("tony", "mark42", "admin"),
		testserver.WithUser("happy", "driver", "viewer"),
		testserver.WithSnapshot(`{"motion":{"last_state":"clear","last_ts":"2024-05-01T12:00:00"}}`),
	)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, srv *testserver.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--server", srv.URL(), "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	srv := setup(t)

	out, err := execute(t, srv, "", "login", "-u", "tony", "-p", "mark42")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "Logged in as tony (admin)") {
		t.Errorf("login output = %q", out)
	}

	out, err = execute(t, srv, "", "whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	for _, want := range []string{"identity:        tony", "role:            admin", "can_act:         true"} {
		if !strings.Contains(out, want) {
			t.Errorf("whoami missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, srv, "", "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := execute(t, srv, "", "whoami"); err != errNoSession {
		t.Errorf("whoami after logout err = %v, want errNoSession", err)
	}
}

func TestLoginPromptsForCredentials(t *testing.T) {
	srv := setup(t)
	out, err := execute(t, srv, "happy\ndriver\n", "login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "happy (viewer)") {
		t.Errorf("output = %q", out)
	}
}

func TestLoginFailureShowsServerDetail(t *testing.T) {
	srv := setup(t)
	_, err := execute(t, srv, "", "login", "-u", "tony", "-p", "wrong")
	if err == nil || !strings.Contains(err.Error(), "Incorrect username or password") {
		t.Errorf("err = %v", err)
	}
}

func TestSessionDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			srv := setup(t)
			if _, err := execute(t, srv, "", "login", "-u", "tony", "-p", "mark42", "--session", driver); err != nil {
				t.Fatalf("login: %v", err)
			}
			out, err := execute(t, srv, "", "whoami", "--session", driver)
			if err != nil || !strings.Contains(out, "tony") {
				t.Errorf("whoami = %q, %v", out, err)
			}
		})
	}
}

func TestEphemeralSessionIsNotKept(t *testing.T) {
	srv := setup(t)
	if _, err := execute(t, srv, "", "login", "-u", "tony", "-p", "mark42", "--ephemeral"); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, srv, "", "whoami", "--ephemeral"); err != errNoSession {
		t.Errorf("err = %v, want errNoSession", err)
	}
}

func TestGuest(t *testing.T) {
	srv := setup(t)
	out, err := execute(t, srv, "", "guest")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, client.GuestIdentity) {
		t.Errorf("guest output = %q", out)
	}
	out, _ = execute(t, srv, "", "whoami")
	if !strings.Contains(out, "guest:           true") || !strings.Contains(out, "can_act:         false") {
		t.Errorf("whoami = %s", out)
	}
}

func TestSimulate(t *testing.T) {
	srv := setup(t)
	if _, err := execute(t, srv, "", "login", "-u", "tony", "-p", "mark42"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, srv, "", "simulate", "motion", `{"detected":true}`, "--wait", "5s")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out, `"ok": true`) {
		t.Errorf("output = %q", out)
	}
	got := srv.Simulated()
	if len(got) != 1 || got[0].Sensor != "motion" || string(got[0].Payload) != `{"detected":true}` {
		t.Errorf("server saw %+v", got)
	}
}

func TestSimulateRefusedForViewer(t *testing.T) {
	srv := setup(t)
	if _, err := execute(t, srv, "", "login", "-u", "happy", "-p", "driver"); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, srv, "", "simulate", "motion", "--wait", "5s")
	if err == nil || !strings.Contains(err.Error(), "may not simulate") {
		t.Errorf("err = %v", err)
	}
	if n := len(srv.Simulated()); n != 0 {
		t.Errorf("server received %d simulate calls", n)
	}
}

func TestSimulateRejectsBadPayload(t *testing.T) {
	srv := setup(t)
	_, err := execute(t, srv, "", "simulate", "motion", "{bad")
	if err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Errorf("err = %v", err)
	}
}

func TestSimulateWithoutSession(t *testing.T) {
	srv := setup(t)
	if _, err := execute(t, srv, "", "simulate", "motion"); err != errNoSession {
		t.Errorf("err = %v, want errNoSession", err)
	}
}

func TestMetrics(t *testing.T) {
	srv := setup(t)
	srv.BroadcastRaw([]byte(`{}`))
	srv.BroadcastRaw([]byte(`{}`))
	out, err := execute(t, srv, "", "metrics")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "events_processed: 2") {
		t.Errorf("output = %q", out)
	}
}

func TestWatchJSON(t *testing.T) {
	srv := setup(t)
	if _, err := execute(t, srv, "", "login", "-u", "tony", "-p", "mark42"); err != nil {
		t.Fatal(err)
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, srv, "", "watch", "--json", "--for", "1500ms")
		done <- result{out, err}
	}()

	if !srv.WaitForClients(1, 3*time.Second) {
		t.Fatal("watch never connected")
	}
	srv.Broadcast(testserver.Frame(client.FrameAlert, "access", "critical", time.Now(), map[string]any{"granted": false}))

	res := <-done
	if res.err != nil {
		t.Fatalf("watch: %v", res.err)
	}

	kinds := map[string]int{}
	sc := bufio.NewScanner(strings.NewReader(res.out))
	for sc.Scan() {
		var line watchLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		kinds[line.Kind]++
		if line.Kind == "alert" && line.Sensor != "access" {
			t.Errorf("alert line = %+v", line)
		}
	}
	if kinds["seed"] != 1 || kinds["alert"] != 1 || kinds["sensor"] != 1 || kinds["conn"] == 0 {
		t.Errorf("line kinds = %v\n%s", kinds, res.out)
	}
}
