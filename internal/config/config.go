package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stark-sentinel/tui/internal/permission"
)

const (
	appDirName = "sentinel"
	envPrefix  = "SENTINEL"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`

	// Roles overrides the built-in role table. RolesFile, when set, wins
	// over both.
	Roles         map[string]permission.Capabilities `mapstructure:"roles"`
	RolesFallback string                             `mapstructure:"roles_fallback"`
	RolesFile     string                             `mapstructure:"roles_file"`
}

type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	WSPath  string        `mapstructure:"ws_path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReconnectConfig struct {
	Base time.Duration `mapstructure:"base"`
	Cap  time.Duration `mapstructure:"cap"`
}

type AlertsConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type SessionConfig struct {
	Driver    string      `mapstructure:"driver"`
	Dir       string      `mapstructure:"dir"`
	GuestRole string      `mapstructure:"guest_role"`
	Redis     RedisConfig `mapstructure:"redis"`
	SQLite    SQLite      `mapstructure:"sqlite"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SQLite struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"server":     "server.base_url",
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-file":   "log.file",
	"session":    "session.driver",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://127.0.0.1:8000")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.timeout", 10*time.Second)
	v.SetDefault("reconnect.base", time.Second)
	v.SetDefault("reconnect.cap", 10*time.Second)
	v.SetDefault("alerts.capacity", 200)
	v.SetDefault("session.driver", "file")
	v.SetDefault("session.dir", DefaultStateDir())
	v.SetDefault("session.guest_role", string(permission.RoleViewer))
	v.SetDefault("session.redis.addr", "127.0.0.1:6379")
	v.SetDefault("session.redis.db", 0)
	v.SetDefault("session.redis.ttl", 24*time.Hour)
	v.SetDefault("session.sqlite.path", filepath.Join(DefaultStateDir(), "session.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", filepath.Join(DefaultStateDir(), "tui.log"))
}

// Load reads configuration from defaults, the yaml file at path (or
// sentinel.yaml in the working or state directory when path is empty),
// SENTINEL_* environment variables and, last, any changed flags in fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sentinel")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultStateDir())
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if c.Reconnect.Base <= 0 {
		return fmt.Errorf("reconnect.base must be positive, got %s", c.Reconnect.Base)
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		return fmt.Errorf("reconnect.cap (%s) must not be below reconnect.base (%s)", c.Reconnect.Cap, c.Reconnect.Base)
	}
	if c.Alerts.Capacity <= 0 {
		return fmt.Errorf("alerts.capacity must be positive, got %d", c.Alerts.Capacity)
	}
	switch c.Session.Driver {
	case "file", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("session.driver: unknown driver %q", c.Session.Driver)
	}
	return nil
}

// WSURL derives the event-stream URL from the REST base URL:
// http://host:port → ws://host:port/ws.
func (c *Config) WSURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Server.WSPath, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// RoleTable returns the deployment's role table: roles_file, then the
// inline roles map, then the built-in default.
func (c *Config) RoleTable() (permission.Table, error) {
	if c.RolesFile != "" {
		return permission.LoadTable(c.RolesFile)
	}
	if len(c.Roles) > 0 {
		return permission.FromMap(c.Roles, c.RolesFallback), nil
	}
	return permission.DefaultTable(), nil
}

// DefaultStateDir returns ~/.local/state/sentinel, respecting
// XDG_STATE_HOME if set.
func DefaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
