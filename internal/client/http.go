package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GuestIdentity is the display name of a local guest session.
const GuestIdentity = "Observer"

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// HTTPClient makes REST calls to the sensor backend.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8000").
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "http"),
	}
}

// WithToken returns a copy of c that authenticates with token. An empty
// token sends no Authorization header.
func (c *HTTPClient) WithToken(token string) *HTTPClient {
	cp := *c
	cp.token = token
	return &cp
}

// Authenticate sends POST /token. When the response carries no user block,
// identity and role come from the token's claims, then from the submitted
// username with an empty role.
func (c *HTTPClient) Authenticate(ctx context.Context, username, password string) (Login, error) {
	body := map[string]string{"username": username, "password": password}
	var out TokenResponse
	if err := c.post(ctx, "/token", body, &out, ErrAuthFailure); err != nil {
		return Login{}, err
	}
	if out.AccessToken == "" {
		return Login{}, &APIError{Op: "POST /token", Status: http.StatusOK, Detail: "response has no access_token", Kind: ErrAuthFailure}
	}

	login := Login{Identity: username, Token: out.AccessToken}
	switch {
	case out.User != nil && out.User.Username != "":
		login.Identity = out.User.Username
		login.Role = out.User.Role
	default:
		if id, role, ok := identityFromToken(out.AccessToken); ok {
			if id != "" {
				login.Identity = id
			}
			login.Role = role
		}
	}
	return login, nil
}

// Guest returns a local, tokenless login with the given role.
func Guest(role string) Login {
	return Login{Identity: GuestIdentity, Role: role}
}

// FetchSnapshot fetches GET /api/sensors. Every failure wraps ErrSnapshotFetch.
func (c *HTTPClient) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	data, err := c.get(ctx, "/api/sensors", ErrSnapshotFetch)
	if err != nil {
		return Snapshot{}, err
	}
	snap, skipped, err := ParseSnapshot(data)
	if err != nil {
		return Snapshot{}, err
	}
	if skipped > 0 {
		c.logger.Warn("snapshot entries skipped", "count", skipped)
	}
	return snap, nil
}

// Metrics fetches GET /api/metrics.
func (c *HTTPClient) Metrics(ctx context.Context) (Metrics, error) {
	data, err := c.get(ctx, "/api/metrics", ErrTransport)
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}

// Simulate sends POST /api/simulate. Every failure wraps ErrActionSubmission.
func (c *HTTPClient) Simulate(ctx context.Context, sensor string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrActionSubmission)
	}
	var out json.RawMessage
	if err := c.post(ctx, "/api/simulate", SimulateRequest{Sensor: sensor, Payload: payload}, &out, ErrActionSubmission); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, kind error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}
	return c.do(req, "GET "+path, kind)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any, kind error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	respBody, err := c.do(req, "POST "+path, kind)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode %s: %w", kind, path, err)
		}
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request, op string, kind error) ([]byte, error) {
	c.setAuth(req)
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	log := c.logger.With("op", op, "request_id", reqID)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug("request failed", "error", err)
		if errors.Is(kind, ErrTransport) {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
		}
		return nil, fmt.Errorf("%s: %w: %w: %w", op, kind, ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read body: %w", op, kind, err)
	}
	log.Debug("request done", "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 300 {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Detail: detailFromBody(body), Kind: kind}
	}
	return body, nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
