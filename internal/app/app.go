// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initLogger    — async request analytics (slog or ClickHouse sink)
//  2. initMetrics   — Prometheus registry
//  3. initOAuth     — token store + manager (file or redis)
//  4. initUpstream  — HTTP client pool, dialect callers
//  5. initBalancer  — provider pool, dedup registry, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/claude-balancer/internal/balancer"
	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/dedup"
	"github.com/nulpointcorp/claude-balancer/internal/logger"
	"github.com/nulpointcorp/claude-balancer/internal/metrics"
	"github.com/nulpointcorp/claude-balancer/internal/oauth"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	store   *config.Store
	baseCtx context.Context
	log     *slog.Logger

	reqLogger *logger.Logger
	prom      *metrics.Registry
	tokens    *oauth.Manager
	pool      *upstream.Pool
	caller    *upstream.Caller
	providers *provider.Manager
	registry  *dedup.Registry
	server    *balancer.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, store *config.Store, log *slog.Logger) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{store: store, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"logger", a.initLogger},
		{"metrics", a.initMetrics},
		{"oauth", a.initOAuth},
		{"upstream", a.initUpstream},
		{"balancer", a.initBalancer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	cfg := a.store.Current()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	a.log.Info("starting balancer",
		slog.String("version", balancer.Version),
		slog.String("addr", addr),
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("routes", len(cfg.ModelRoutes)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.server = nil
	}
	if a.registry != nil {
		a.registry.Close()
		a.registry = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.tokens != nil {
		a.tokens.Close()
		a.tokens = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
