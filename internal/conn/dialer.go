package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens a WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// NewDialer returns a gorilla dialer with the given handshake timeout.
func NewDialer(handshakeTimeout time.Duration) *websocket.Dialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &d
}

// dialTarget adds the credential to endpoint as ?token= and as a bearer
// header.
func dialTarget(endpoint, credential string) (string, http.Header, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", nil, fmt.Errorf("endpoint scheme %q is not ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+credential)
	return u.String(), h, nil
}
