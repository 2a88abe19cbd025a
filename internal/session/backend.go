package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidDriver = errors.New("session: unknown backend driver")
	ErrInvalidConfig = errors.New("session: invalid backend configuration")
)

// Backend is durable key/value storage for the session record.
type Backend interface {
	// Read returns the value for key. A missing key is (nil, false, nil).
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Driver names a Backend implementation.
type Driver string

const (
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
	DriverMemory Driver = "memory"
)

// Option configures NewBackend.
type Option func(*backendConfig)

type backendConfig struct {
	dir         string
	sqlitePath  string
	redisClient *redis.Client
	redisTTL    time.Duration
	redisPrefix string
}

// WithDir sets the directory used by the file backend.
func WithDir(dir string) Option {
	return func(c *backendConfig) { c.dir = dir }
}

// WithSQLitePath sets the database file used by the sqlite backend.
func WithSQLitePath(path string) Option {
	return func(c *backendConfig) { c.sqlitePath = path }
}

// WithRedisClient sets the client used by the redis backend.
func WithRedisClient(client *redis.Client) Option {
	return func(c *backendConfig) { c.redisClient = client }
}

// WithRedisTTL sets the expiry applied to redis keys.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *backendConfig) { c.redisTTL = ttl }
}

// WithRedisPrefix namespaces redis keys, e.g. per kiosk.
func WithRedisPrefix(prefix string) Option {
	return func(c *backendConfig) { c.redisPrefix = prefix }
}

// NewBackend creates a Backend for the given driver.
func NewBackend(driver Driver, opts ...Option) (Backend, error) {
	cfg := &backendConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverFile:
		if cfg.dir == "" {
			return nil, ErrInvalidConfig
		}
		return NewFileBackend(cfg.dir), nil

	case DriverSQLite:
		if cfg.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		b, err := NewSQLiteBackend(cfg.sqlitePath)
		if err != nil {
			return nil, err
		}
		return b, nil

	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedisBackend(cfg.redisClient, cfg.redisPrefix, cfg.redisTTL), nil

	case DriverMemory:
		return NewMemoryBackend(), nil

	default:
		return nil, ErrInvalidDriver
	}
}

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryBackend) Write(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
