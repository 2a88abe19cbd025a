// Package session persists the identity, role and credential of the
// signed-in user.
//
// The record lives under two well-known keys, mirroring the layout the web
// console used in browser storage: KeyToken holds the raw credential and
// KeyUser a small JSON document. Either key missing means logged out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stark-sentinel/tui/internal/permission"
)

const (
	KeyToken = "stark_token"
	KeyUser  = "stark_user"
)

// Session is the active identity. An empty Credential marks a guest.
type Session struct {
	Identity   string          `json:"identity"`
	Role       permission.Role `json:"role"`
	Credential string          `json:"-"`
}

// IsGuest reports whether the session has no credential.
func (s Session) IsGuest() bool { return s.Credential == "" }

// userRecord is the stored form of KeyUser. Older consoles wrote the role
// under "rol".
type userRecord struct {
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	LegacyRol string `json:"rol,omitempty"`
}

// Store is the single source of truth for who is signed in.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore wraps a backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger.With("component", "session")}
}

// Set persists s, replacing any previous session.
func (st *Store) Set(ctx context.Context, s Session) error {
	if s.Identity == "" {
		return errors.New("session identity is empty")
	}
	user, err := json.Marshal(userRecord{Username: s.Identity, Role: string(s.Role)})
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := st.backend.Write(ctx, KeyToken, []byte(s.Credential)); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	if err := st.backend.Write(ctx, KeyUser, user); err != nil {
		// Without the user key the token alone reads as logged out.
		_ = st.backend.Delete(ctx, KeyToken)
		return fmt.Errorf("write user: %w", err)
	}
	return nil
}

// Get returns the persisted session. Missing, unreadable or corrupt data
// reads as no session.
func (st *Store) Get(ctx context.Context) (Session, bool) {
	token, ok, err := st.backend.Read(ctx, KeyToken)
	if err != nil {
		st.logger.Warn("reading session token failed", "error", err)
		return Session{}, false
	}
	if !ok {
		return Session{}, false
	}
	raw, ok, err := st.backend.Read(ctx, KeyUser)
	if err != nil {
		st.logger.Warn("reading session user failed", "error", err)
		return Session{}, false
	}
	if !ok {
		return Session{}, false
	}

	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		st.logger.Warn("discarding corrupt session record", "error", err)
		return Session{}, false
	}
	if rec.Username == "" {
		st.logger.Warn("discarding session record without username")
		return Session{}, false
	}
	role := rec.Role
	if role == "" {
		role = rec.LegacyRol
	}
	return Session{
		Identity:   rec.Username,
		Role:       permission.Role(role),
		Credential: string(token),
	}, true
}

// Clear removes the session.
func (st *Store) Clear(ctx context.Context) error {
	if err := st.backend.Delete(ctx, KeyToken, KeyUser); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close releases the backend.
func (st *Store) Close() error {
	return st.backend.Close()
}
