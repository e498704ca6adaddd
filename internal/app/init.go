package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/claude-balancer/internal/balancer"
	"github.com/nulpointcorp/claude-balancer/internal/dedup"
	"github.com/nulpointcorp/claude-balancer/internal/logger"
	"github.com/nulpointcorp/claude-balancer/internal/metrics"
	"github.com/nulpointcorp/claude-balancer/internal/oauth"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
)

// initLogger builds the async request-analytics logger. The sink is slog by
// default; clickhouse batches entries into a table for offline analysis.
func (a *App) initLogger(ctx context.Context) error {
	cfg := a.store.Current()

	var sink logger.Sink
	switch cfg.Logging.Sink {
	case "", "slog":
		sink = logger.NewSlogSink(a.log)
	case "clickhouse":
		ch, err := logger.NewClickHouseSink(ctx, cfg.Logging.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.log.Info("request logging to clickhouse",
			slog.String("dsn", redactURL(cfg.Logging.ClickHouseDSN)))
		sink = ch
	default:
		return fmt.Errorf("unknown logging sink %q", cfg.Logging.Sink)
	}

	l, err := logger.New(ctx, sink)
	if err != nil {
		return err
	}
	a.reqLogger = l
	return nil
}

func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.New()
	return nil
}

// initOAuth builds the token manager when any provider draws credentials
// from the managed pool. Without oauth providers the manager stays nil and
// the /oauth endpoints answer 503.
func (a *App) initOAuth(ctx context.Context) error {
	cfg := a.store.Current()

	needed := false
	for _, p := range cfg.Providers {
		if p.UsesOAuth() {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	var store oauth.Store
	switch cfg.OAuth.Storage.Type {
	case "", "file":
		fs, err := oauth.NewFileStore(cfg.OAuth.Storage.Path)
		if err != nil {
			return fmt.Errorf("token file store: %w", err)
		}
		store = fs
	case "redis":
		rs, err := oauth.NewRedisStore(ctx, cfg.OAuth.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("token redis store: %w", err)
		}
		a.log.Info("oauth tokens in redis",
			slog.String("url", redactURL(cfg.OAuth.Storage.RedisURL)))
		store = rs
	default:
		return fmt.Errorf("unknown oauth storage type %q", cfg.OAuth.Storage.Type)
	}

	m, err := oauth.NewManager(a.baseCtx, oauth.Options{
		Store:  store,
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	a.tokens = m
	a.prom.SetOAuthTokens(m.Len())
	return nil
}

func (a *App) initUpstream(_ context.Context) error {
	a.pool = upstream.NewPool()
	a.caller = upstream.NewCaller(a.pool, a.log)
	return nil
}

func (a *App) initBalancer(_ context.Context) error {
	cfg := a.store.Current()

	a.providers = provider.NewManager(cfg, a.log)
	a.registry = dedup.NewRegistry(cfg.Settings.Deduplication.TTL)

	a.server = balancer.NewServer(balancer.Options{
		Config:    a.store,
		Providers: a.providers,
		Caller:    a.caller,
		OAuth:     a.tokens,
		Dedup:     a.registry,
		Metrics:   a.prom,
		Logger:    a.reqLogger,
		Log:       a.log,
		BaseCtx:   a.baseCtx,
	})
	return nil
}
