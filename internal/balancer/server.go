// Package balancer is the HTTP front of the proxy: routing, middleware and
// the failover orchestrator that drives providers, deduplication and stream
// broadcasting.
package balancer

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/dedup"
	"github.com/nulpointcorp/claude-balancer/internal/logger"
	"github.com/nulpointcorp/claude-balancer/internal/metrics"
	"github.com/nulpointcorp/claude-balancer/internal/oauth"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/ratelimit"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
)

// Version is reported by /health and the build info metric.
const Version = "1.0.0"

// Options wires the server's collaborators. Config, Providers and Caller are
// required; everything else degrades gracefully when nil.
type Options struct {
	Config    *config.Store
	Providers *provider.Manager
	Caller    *upstream.Caller
	OAuth     *oauth.Manager
	Dedup     *dedup.Registry
	Metrics   *metrics.Registry
	Logger    *logger.Logger
	Log       *slog.Logger

	// BaseCtx parents upstream stream producers so they outlive the
	// owner's client connection. Defaults to context.Background().
	BaseCtx context.Context
}

// Server is the balancer's HTTP server.
type Server struct {
	cfg       *config.Store
	providers *provider.Manager
	caller    *upstream.Caller
	oauth     *oauth.Manager
	dedup     *dedup.Registry
	metrics   *metrics.Registry
	reqlog    *logger.Logger
	log       *slog.Logger

	limiter atomic.Pointer[ratelimit.ConnLimiter]
	baseCtx context.Context
	started time.Time

	srv *fasthttp.Server
}

// NewServer builds the server; it does not start listening.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	base := opts.BaseCtx
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		cfg:       opts.Config,
		providers: opts.Providers,
		caller:    opts.Caller,
		oauth:     opts.OAuth,
		dedup:     opts.Dedup,
		metrics:   opts.Metrics,
		reqlog:    opts.Logger,
		log:       log.With(slog.String("component", "server")),
		baseCtx:   base,
		started:   time.Now(),
	}
	s.limiter.Store(ratelimit.NewConnLimiter(opts.Config.Current().Settings.MaxProviderConnections))

	s.srv = &fasthttp.Server{
		Handler:     s.handler(),
		ReadTimeout: 60 * time.Second,
		// WriteTimeout stays unset: SSE responses regularly outlive any
		// sensible fixed bound; streams are bounded by the streaming
		// timeouts instead.
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: 16 << 20,
		CloseOnShutdown:    true,
	}
	if s.metrics != nil {
		s.metrics.SetBuildInfo(Version)
	}
	return s
}

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve blocks serving on an existing listener. Used by tests with in-memory
// listeners.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) settings() config.Settings {
	return s.cfg.Current().Settings
}

// connLimiter returns the active per-provider concurrency limiter.
func (s *Server) connLimiter() *ratelimit.ConnLimiter {
	return s.limiter.Load()
}
