package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/config"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/controller"
	"github.com/stark-sentinel/tui/internal/permission"
	"github.com/stark-sentinel/tui/internal/reconcile"
	"github.com/stark-sentinel/tui/internal/session"
)

// runtime is the wired-up client for one command invocation.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *session.Store
	http     *client.HTTPClient
	resolver *permission.Resolver
	wsURL    string
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	table, err := cfg.RoleTable()
	if err != nil {
		return nil, fmt.Errorf("role table: %w", err)
	}
	resolver, err := permission.NewResolver(table)
	if err != nil {
		return nil, err
	}
	wsURL, err := cfg.WSURL()
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    session.NewStore(backend, logger),
		http:     client.NewHTTPClient(cfg.Server.BaseURL, cfg.Server.Timeout, logger),
		resolver: resolver,
		wsURL:    wsURL,
	}, nil
}

// openBackend builds the session backend named by session.driver.
func openBackend(cfg *config.Config) (session.Backend, error) {
	sc := cfg.Session
	var opts []session.Option
	switch session.Driver(sc.Driver) {
	case session.DriverFile:
		opts = append(opts, session.WithDir(sc.Dir))
	case session.DriverSQLite:
		opts = append(opts, session.WithSQLitePath(sc.SQLite.Path))
	case session.DriverRedis:
		rc := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		opts = append(opts, session.WithRedisClient(rc), session.WithRedisTTL(sc.Redis.TTL))
	}
	b, err := session.NewBackend(session.Driver(sc.Driver), opts...)
	if err != nil {
		return nil, fmt.Errorf("session backend %q: %w", sc.Driver, err)
	}
	return b, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// controller builds a session controller over the runtime. rec may be nil.
func (r *runtime) controller(rec *reconcile.Reconciler) *controller.Controller {
	return controller.New(controller.Options{
		HTTP:          r.http,
		Store:         r.store,
		Resolver:      r.resolver,
		WSURL:         r.wsURL,
		Reconciler:    rec,
		AlertCapacity: r.cfg.Alerts.Capacity,
		Backoff:       conn.Backoff{Base: r.cfg.Reconnect.Base, Cap: r.cfg.Reconnect.Cap},
		Dialer:        conn.NewDialer(r.cfg.Server.Timeout),
		GuestRole:     r.cfg.Session.GuestRole,
		Logger:        r.logger,
	})
}

var errNoSession = errors.New("not logged in; run `sentinel-tui login` or `sentinel-tui guest`")

// restore runs ctrl and resumes the stored session. stop ends the run and
// waits for the live channel to close; it is safe to call on error.
func restore(ctx context.Context, ctrl *controller.Controller) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	go ctrl.Run(ctx)
	stop = func() {
		cancel()
		<-ctrl.Done()
	}
	found, err := ctrl.Restore(ctx)
	if err != nil {
		return stop, err
	}
	if !found {
		return stop, errNoSession
	}
	return stop, nil
}

// waitFor blocks until a view satisfies pred, the timeout passes or ctx ends.
func waitFor(ctx context.Context, ctrl *controller.Controller, timeout time.Duration, pred func(controller.View) bool) (controller.View, error) {
	views, cancel := ctrl.Subscribe()
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case v := <-views:
			if pred(v) {
				return v, nil
			}
		case <-timer.C:
			return ctrl.View(), fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return ctrl.View(), ctx.Err()
		}
	}
}
