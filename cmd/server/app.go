package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/affinity"
	"github.com/blueberrycongee/relaymux/internal/api"
	"github.com/blueberrycongee/relaymux/internal/audit"
	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/dispatch"
	"github.com/blueberrycongee/relaymux/internal/forwarder"
	"github.com/blueberrycongee/relaymux/internal/guard"
	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/proxy"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	"github.com/blueberrycongee/relaymux/internal/resilience"
	"github.com/blueberrycongee/relaymux/internal/selector"
)

// app owns every long-lived component. Components that can change on reload are
// kept so apply can swap their contents.
type app struct {
	logger *slog.Logger

	providers *provider.Registry
	users     *auth.MemoryStore
	words     *guard.WordFilter

	limiter    *ratelimit.Limiter
	affinity   *affinity.Manager
	scheduler  *affinity.Scheduler
	dispatcher *dispatch.Dispatcher
	proxy      *proxy.Handler
	monitor    *api.Handler

	redis redis.UniversalClient
	db    *sql.DB

	stopDBMetrics func()
}

// newApp builds the gateway from cfg. Infrastructure settings (redis, database,
// transport) are read once; apply handles the reloadable parts.
func newApp(ctx context.Context, cfg *config.Config, tracer trace.Tracer, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.providers, err = provider.NewRegistry(cfg.ProviderSet()...); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	a.users = auth.NewMemoryStore()
	if err = a.users.Replace(cfg.AuthSet()); err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	if a.words, err = guard.NewWordFilter(cfg.Guard.Words); err != nil {
		return nil, fmt.Errorf("load guard words: %w", err)
	}

	if cfg.Redis.Enabled {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			// Counters and affinity fail open, so a cold redis is not fatal.
			logger.Warn("redis is not reachable yet", "error", err)
			err = nil
		}
	}

	if cfg.Database.Enabled {
		if a.db, err = openDatabase(ctx, cfg.Database); err != nil {
			return nil, err
		}
		a.stopDBMetrics = startDBPoolMetrics(ctx, a.db, logger, 30*time.Second)
	}

	var counters ratelimit.Store = ratelimit.NewMemoryStore()
	var sessions affinity.Store = affinity.NewMemoryStore(time.Minute)
	if a.redis != nil {
		counters = ratelimit.NewRedisStore(a.redis, cfg.Redis.Prefix)
		sessions = affinity.NewRedisStore(a.redis, cfg.Redis.Prefix)
	}

	a.limiter = ratelimit.New(counters, ratelimit.Config{
		SessionTTL: cfg.Limits.SessionTTL,
		Location:   cfg.Location(),
		Logger:     logger,
	})
	a.affinity = affinity.NewManager(sessions, affinity.Config{
		TTL:          cfg.Affinity.TTL,
		ActiveWindow: cfg.Affinity.ActiveWindow,
		Logger:       logger,
	})
	a.scheduler = affinity.NewScheduler(a.affinity, cfg.Affinity.PruneSchedule, logger)
	if err = a.scheduler.Start(ctx); err != nil {
		return nil, err
	}

	breakers := resilience.NewRegistry(cfg.CircuitBreaker, nil, logger)
	sel := selector.New(breakers, a.limiter, selector.WithLogger(logger))

	fwd := forwarder.New(forwarder.Config{
		Providers: a.providers,
		Selector:  sel,
		Breakers:  breakers,
		Reserver:  a.limiter,
		Client:    &http.Client{Transport: newTransport(cfg.Upstream)},
		Logger:    logger,
		Tracer:    tracer,
	})

	writer, err := a.auditWriter(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Prices:   a.priceLookup(cfg),
		Audit:    writer,
		Affinity: a.affinity,
		Costs:    a.limiter,
		Logger:   logger,
	})

	tokens := auth.NewTokenCodec(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	resolver := auth.NewStoreResolver(a.users, tokens, logger)

	a.proxy = proxy.New(proxy.Config{
		Auth:            resolver,
		Guard:           a.words,
		Limiter:         a.limiter,
		Affinity:        a.affinity,
		Providers:       a.providers,
		Selector:        sel,
		Forwarder:       fwd,
		Dispatcher:      a.dispatcher,
		Logger:          logger,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})
	a.monitor = api.NewHandler(resolver, a.affinity, tokens, logger, a.readinessChecks()...)

	return a, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newTransport(cfg config.UpstreamConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
	}
}

func (a *app) auditWriter(cfg *config.Config) (audit.Writer, error) {
	switch cfg.Audit.Backend {
	case config.AuditBackendPostgres:
		if a.db == nil {
			return nil, errors.New("postgres audit backend requires a database")
		}
		return audit.NewPostgresWriter(a.db), nil
	default:
		return audit.NewMemoryWriter(cfg.Audit.MemoryCapacity), nil
	}
}

// priceLookup consults the database table first when enabled, then the static list.
func (a *app) priceLookup(cfg *config.Config) pricing.Lookup {
	static := pricing.NewCalculator(cfg.PriceList())
	if a.db == nil || !cfg.Pricing.DatabaseLookup {
		return static
	}
	cached := pricing.NewCachedLookup(pricing.NewPostgresLookup(a.db), cfg.Pricing.CacheTTL, a.logger)
	return pricing.Chain{cached, static}
}

func (a *app) readinessChecks() []api.ReadinessCheck {
	checks := []api.ReadinessCheck{{
		Name: "providers",
		Check: func(ctx context.Context) error {
			list, err := a.providers.List(ctx)
			if err != nil {
				return err
			}
			for _, p := range list {
				if p.Enabled {
					return nil
				}
			}
			return errors.New("no enabled provider")
		},
	}}
	if a.redis != nil {
		checks = append(checks, api.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	if a.db != nil {
		checks = append(checks, api.ReadinessCheck{
			Name:  "database",
			Check: a.db.PingContext,
		})
	}
	return checks
}

// apply swaps the reloadable parts of cfg in. A failing part keeps its previous
// contents; the others are still applied.
func (a *app) apply(cfg *config.Config) error {
	var errs []error
	if err := a.providers.Replace(cfg.ProviderSet()); err != nil {
		errs = append(errs, fmt.Errorf("providers: %w", err))
	}
	if err := a.users.Replace(cfg.AuthSet()); err != nil {
		errs = append(errs, fmt.Errorf("keys: %w", err))
	}
	if err := a.words.Update(cfg.Guard.Words); err != nil {
		errs = append(errs, fmt.Errorf("guard words: %w", err))
	}
	return errors.Join(errs...)
}

// drain waits for in-flight stream accounting, bounded by ctx.
func (a *app) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.stopDBMetrics != nil {
		a.stopDBMetrics()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
