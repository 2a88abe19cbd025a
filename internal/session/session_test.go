package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stark-sentinel/tui/internal/logging"
	"github.com/stark-sentinel/tui/internal/permission"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	rb, _ := newRedisBackend(t, time.Hour)
	return map[string]Backend{
		"file":   NewFileBackend(t.TempDir()),
		"sqlite": sq,
		"redis":  rb,
		"memory": NewMemoryBackend(),
	}
}

func newRedisBackend(t *testing.T, ttl time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rb := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", ttl)
	t.Cleanup(func() { rb.Close() })
	return rb, mr
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := NewStore(b, logging.Discard())

			if _, ok := st.Get(ctx); ok {
				t.Fatal("empty store should have no session")
			}

			want := Session{Identity: "tony", Role: permission.RoleAdmin, Credential: "jwt-abc"}
			if err := st.Set(ctx, want); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok := st.Get(ctx)
			if !ok {
				t.Fatal("expected session after Set")
			}
			if got != want {
				t.Errorf("Get = %+v, want %+v", got, want)
			}

			if err := st.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, ok := st.Get(ctx); ok {
				t.Error("Get after Clear should be empty")
			}
			// Clearing twice is fine.
			if err := st.Clear(ctx); err != nil {
				t.Errorf("second Clear: %v", err)
			}
		})
	}
}

func TestGuestSessionHasEmptyCredential(t *testing.T) {
	ctx := context.Background()
	st := NewStore(NewMemoryBackend(), logging.Discard())
	if err := st.Set(ctx, Session{Identity: "Observer", Role: permission.RoleViewer}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := st.Get(ctx)
	if !ok {
		t.Fatal("guest session should persist")
	}
	if !got.IsGuest() {
		t.Errorf("expected guest, got credential %q", got.Credential)
	}
}

func TestSetRejectsEmptyIdentity(t *testing.T) {
	st := NewStore(NewMemoryBackend(), logging.Discard())
	if err := st.Set(context.Background(), Session{Role: permission.RoleAdmin}); err == nil {
		t.Error("expected error for empty identity")
	}
}

func TestGetMissingEitherKey(t *testing.T) {
	ctx := context.Background()

	b := NewMemoryBackend()
	b.Write(ctx, KeyToken, []byte("tok"))
	if _, ok := NewStore(b, logging.Discard()).Get(ctx); ok {
		t.Error("token without user should read as logged out")
	}

	b = NewMemoryBackend()
	b.Write(ctx, KeyUser, []byte(`{"username":"pepper","role":"operator"}`))
	if _, ok := NewStore(b, logging.Discard()).Get(ctx); ok {
		t.Error("user without token should read as logged out")
	}
}

func TestGetCorruptRecord(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		user string
	}{
		{"garbage", "{not json"},
		{"wrong type", `["tony"]`},
		{"no username", `{"role":"admin"}`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryBackend()
			b.Write(ctx, KeyToken, []byte("tok"))
			b.Write(ctx, KeyUser, []byte(tt.user))
			if s, ok := NewStore(b, logging.Discard()).Get(ctx); ok {
				t.Errorf("corrupt record should read as empty, got %+v", s)
			}
		})
	}
}

func TestGetLegacyRolKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	b.Write(ctx, KeyToken, []byte("tok"))
	b.Write(ctx, KeyUser, []byte(`{"username":"happy","rol":"operator"}`))

	got, ok := NewStore(b, logging.Discard()).Get(ctx)
	if !ok {
		t.Fatal("expected session")
	}
	if got.Role != permission.RoleOperator {
		t.Errorf("Role = %q, want operator", got.Role)
	}
}

type failingBackend struct{ MemoryBackend }

func (*failingBackend) Read(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func TestGetBackendErrorReadsEmpty(t *testing.T) {
	st := NewStore(&failingBackend{}, logging.Discard())
	if _, ok := st.Get(context.Background()); ok {
		t.Error("backend error should read as no session")
	}
}

func TestFileBackendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")

	first := NewStore(NewFileBackend(dir), logging.Discard())
	want := Session{Identity: "rhodey", Role: permission.RoleOperator, Credential: "t0k"}
	if err := first.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	second := NewStore(NewFileBackend(dir), logging.Discard())
	got, ok := second.Get(ctx)
	if !ok || got != want {
		t.Errorf("after restart Get = %+v, %v; want %+v", got, ok, want)
	}
}

func TestFileBackendPermissions(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	if err := b.Write(context.Background(), KeyToken, []byte("secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, KeyToken))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileBackendRejectsPathKeys(t *testing.T) {
	b := NewFileBackend(t.TempDir())
	for _, key := range []string{"", "..", "a/b", `a\b`} {
		if err := b.Write(context.Background(), key, nil); err == nil {
			t.Errorf("Write(%q) should fail", key)
		}
	}
}

func TestSQLiteBackendInMemory(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	defer b.Close()

	if err := b.Write(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(ctx, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b.Read(ctx, "k")
	if err != nil || !ok || string(v) != "v2" {
		t.Errorf("Read = %q, %v, %v; want v2", v, ok, err)
	}

	// Empty values are present, not missing.
	if err := b.Write(ctx, KeyToken, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Read(ctx, KeyToken); !ok {
		t.Error("empty value should read as present")
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		driver  Driver
		opts    []Option
		wantErr error
	}{
		{"file", DriverFile, []Option{WithDir(t.TempDir())}, nil},
		{"file without dir", DriverFile, nil, ErrInvalidConfig},
		{"sqlite", DriverSQLite, []Option{WithSQLitePath(":memory:")}, nil},
		{"sqlite without path", DriverSQLite, nil, ErrInvalidConfig},
		{"redis without client", DriverRedis, nil, ErrInvalidConfig},
		{"memory", DriverMemory, nil, nil},
		{"unknown", Driver("etcd"), nil, ErrInvalidDriver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(tt.driver, tt.opts...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if b != nil {
				b.Close()
			}
		})
	}
}

func TestRedisBackendTTL(t *testing.T) {
	ctx := context.Background()
	rb, mr := newRedisBackend(t, time.Minute)

	if v, ok, err := rb.Read(ctx, KeyToken); err != nil || ok || v != nil {
		t.Fatalf("absent key Read = %q, %v, %v; want nothing, no error", v, ok, err)
	}

	st := NewStore(rb, logging.Discard())
	guest := Session{Identity: "Observer", Role: permission.RoleViewer}
	if err := st.Set(ctx, guest); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("test:" + KeyToken) {
		t.Fatal("token not stored under the prefix")
	}
	if got := mr.TTL("test:" + KeyUser); got != time.Minute {
		t.Errorf("TTL = %s, want 1m", got)
	}

	mr.FastForward(40 * time.Second)
	got, ok := st.Get(ctx)
	if !ok || got != guest {
		t.Fatalf("Get = %+v, %v; want %+v", got, ok, guest)
	}
	if ttl := mr.TTL("test:" + KeyUser); ttl != time.Minute {
		t.Errorf("TTL after read = %s, want refreshed to 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := st.Get(ctx); ok {
		t.Error("expired session should read as logged out")
	}
}
