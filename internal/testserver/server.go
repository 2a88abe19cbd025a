// Package testserver is an in-process stand-in for the sensor backend. It
// serves the REST and WebSocket surface the client talks to and echoes what
// tests tell it to; it never generates events on its own.
package testserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/stark-sentinel/tui/internal/client"
)

var signingKey = []byte("testserver-signing-key")

type account struct {
	password string
	role     string
}

// Server is a running fake backend.
type Server struct {
	http        *httptest.Server
	broadcaster *broadcaster
	upgrader    websocket.Upgrader

	mu             sync.Mutex
	accounts       map[string]account
	snapshot       []byte
	snapshotStatus int
	snapshotHold   chan struct{}
	tokenHold      chan struct{}
	omitUser       bool
	rejectWS       bool
	simulated      []client.SimulateRequest

	connects  atomic.Int64
	processed atomic.Int64
}

// Option configures New.
type Option func(*Server)

// WithUser registers an account that can log in.
func WithUser(username, password, role string) Option {
	return func(s *Server) { s.accounts[username] = account{password: password, role: role} }
}

// WithSnapshot sets the body served by GET /api/sensors.
func WithSnapshot(body string) Option {
	return func(s *Server) { s.snapshot = []byte(body) }
}

// WithSnapshotStatus makes GET /api/sensors fail with status.
func WithSnapshotStatus(status int) Option {
	return func(s *Server) { s.snapshotStatus = status }
}

// WithoutUserBlock omits "user" from token responses, leaving the client to
// read identity from the token claims.
func WithoutUserBlock() Option {
	return func(s *Server) { s.omitUser = true }
}

// New starts a fake backend. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		broadcaster: newBroadcaster(),
		accounts:    make(map[string]account),
		snapshot:    []byte(`{}`),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/token", s.handleToken)
	r.Get("/api/sensors", s.handleSensors)
	r.Get("/api/metrics", s.handleMetrics)
	r.Post("/api/simulate", s.handleSimulate)
	r.Get("/ws", s.handleWS)

	s.http = httptest.NewServer(r)
	return s
}

// URL is the http base URL.
func (s *Server) URL() string { return s.http.URL }

// WSURL is the WebSocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.broadcaster.dropAll()
	s.mu.Lock()
	if s.snapshotHold != nil {
		close(s.snapshotHold)
		s.snapshotHold = nil
	}
	s.mu.Unlock()
	s.http.Close()
}

// Token issues a signed access token for username, as POST /token would.
func (s *Server) Token(username string) string {
	s.mu.Lock()
	role := s.accounts[username].role
	s.mu.Unlock()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  username,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return tok
}

// Broadcast sends v, marshalled as JSON, to every connected client.
func (s *Server) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return s.BroadcastRaw(data)
}

// BroadcastRaw sends data verbatim to every connected client.
func (s *Server) BroadcastRaw(data []byte) int {
	s.processed.Add(1)
	return s.broadcaster.broadcast(data)
}

// DropClients severs every WebSocket without a close handshake.
func (s *Server) DropClients() { s.broadcaster.dropAll() }

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int { return s.broadcaster.count() }

// Connects returns how many WebSocket upgrades have succeeded.
func (s *Server) Connects() int { return int(s.connects.Load()) }

// WaitForClients polls until n clients are connected or timeout elapses.
func (s *Server) WaitForClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.Clients() < n {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-s.broadcaster.joined:
		case <-time.After(10 * time.Millisecond):
		}
	}
	return true
}

// RejectWS makes WebSocket upgrades fail with 401 while on is true.
func (s *Server) RejectWS(on bool) {
	s.mu.Lock()
	s.rejectWS = on
	s.mu.Unlock()
}

// HoldSnapshots blocks GET /api/sensors until the returned func is called.
func (s *Server) HoldSnapshots() (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.snapshotHold = hold
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.snapshotHold == hold {
			s.snapshotHold = nil
			close(hold)
		}
	}
}

// HoldTokens blocks POST /token until the returned func is called or the
// request is abandoned.
func (s *Server) HoldTokens() (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.tokenHold = hold
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tokenHold == hold {
			s.tokenHold = nil
			close(hold)
		}
	}
}

// Simulated returns the simulate requests received so far.
func (s *Server) Simulated() []client.SimulateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]client.SimulateRequest(nil), s.simulated...)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[body.Username]
	omitUser := s.omitUser
	hold := s.tokenHold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if !ok || acct.password != body.Password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	resp := client.TokenResponse{AccessToken: s.Token(body.Username), TokenType: "bearer"}
	if !omitUser {
		resp.User = &client.User{Username: body.Username, Role: acct.role}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if tok := bearer(r); tok != "" && !s.valid(tok) {
		writeDetail(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.mu.Lock()
	hold := s.snapshotHold
	status := s.snapshotStatus
	body := s.snapshot
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeDetail(w, status, "snapshot unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, client.Metrics{EventsProcessed: s.processed.Load()})
}

// handleSimulate echoes the request to every client as a sensor_update.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if !s.valid(bearer(r)) {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var req client.SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sensor == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "sensor and payload are required")
		return
	}
	s.mu.Lock()
	s.simulated = append(s.simulated, req)
	s.mu.Unlock()

	s.Broadcast(map[string]any{
		"type":    client.FrameSensorUpdate,
		"sensor":  req.Sensor,
		"payload": req.Payload,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sensor": req.Sensor})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectWS
	s.mu.Unlock()
	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = bearer(r)
	}
	if reject || !s.valid(tok) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.connects.Add(1)
	c := s.broadcaster.add(conn)

	go func() {
		defer s.broadcaster.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) valid(tok string) bool {
	if tok == "" {
		return false
	}
	_, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// Frame builds a live-channel frame for Broadcast.
func Frame(typ client.FrameType, sensor, status string, ts time.Time, payload any) map[string]any {
	f := map[string]any{
		"type":   typ,
		"sensor": sensor,
		"ts":     ts.UTC().Format(time.RFC3339Nano),
	}
	if status != "" {
		f["level"] = status
	}
	if payload != nil {
		f["payload"] = payload
	}
	return f
}
