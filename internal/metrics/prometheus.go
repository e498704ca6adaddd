// Package metrics provides a Prometheus metrics registry for the balancer.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// balancer_inflight_requests
	inFlight prometheus.Gauge

	// balancer_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// balancer_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// balancer_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// balancer_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// balancer_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// balancer_latency_ms_total{provider} — sum of latency in ms (derive avg externally)
	latencyTotal *prometheus.CounterVec

	// balancer_request_duration_seconds{provider,mode}
	requestDuration *prometheus.HistogramVec

	// balancer_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// balancer_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// balancer_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// balancer_provider_unhealthy_total{provider}
	unhealthyMarkings *prometheus.CounterVec

	// balancer_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// balancer_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// balancer_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// balancer_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// balancer_dedup_total{role,outcome}
	dedupTotal *prometheus.CounterVec

	// balancer_stream_subscribers
	streamSubscribers prometheus.Gauge

	// balancer_stream_dropped_subscribers_total{reason}
	streamDrops *prometheus.CounterVec

	// balancer_oauth_refresh_total{outcome}
	oauthRefreshTotal *prometheus.CounterVec

	// balancer_oauth_tokens
	oauthTokens prometheus.Gauge

	// balancer_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// balancer_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// balancer_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the balancer",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_http_requests_total",
				Help: "Total number of HTTP requests handled by the balancer",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes failover attempts)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"provider", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_latency_ms_total",
				Help: "Sum of latency in ms (compute avg externally)",
			},
			[]string{"provider"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_request_duration_seconds",
				Help:    "End-to-end request duration (balancer perspective) in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "mode"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		unhealthyMarkings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_provider_unhealthy_total",
				Help: "Times a provider was marked unhealthy and put on cooldown",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_failover_events_total",
				Help: "Failover events between providers (emitted when switching to a different provider)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_failover_success_total",
				Help: "Successful failovers (request served by non-primary provider)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_failover_exhausted_total",
				Help: "Requests that exhausted failover attempts without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_ratelimit_total",
				Help: "Per-provider connection limit decisions",
			},
			[]string{"result"},
		),

		dedupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_dedup_total",
				Help: "Request deduplication outcomes by role",
			},
			[]string{"role", "outcome"},
		),

		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_stream_subscribers",
			Help: "Current number of subscribers attached to shared streams",
		}),

		streamDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_stream_dropped_subscribers_total",
				Help: "Subscribers dropped from a shared stream",
			},
			[]string{"reason"},
		),

		oauthRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_oauth_refresh_total",
				Help: "OAuth token refresh attempts by outcome",
			},
			[]string{"outcome"},
		),

		oauthTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_oauth_tokens",
			Help: "Number of OAuth accounts currently held",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancer_provider_health",
				Help: "Provider health status (1=ok, 0=cooling down)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancer_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.latencyTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.unhealthyMarkings,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.dedupTotal,
		r.streamSubscribers,
		r.streamDrops,
		r.oauthRefreshTotal,
		r.oauthTokens,
		r.tokensTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) RecordRequest(provider string, statusCode int, latencyMs int64) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(provider).Add(float64(latencyMs))
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveRequest records per-provider request latency. Mode is "sync" or
// "stream".
func (r *Registry) ObserveRequest(provider, mode string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, mode).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordDedup records a deduplication outcome. Role is "owner" or
// "follower"; outcome is e.g. "completed", "failed", "expired".
func (r *Registry) RecordDedup(role, outcome string) {
	r.dedupTotal.WithLabelValues(role, outcome).Inc()
}

func (r *Registry) IncStreamSubscribers() { r.streamSubscribers.Inc() }
func (r *Registry) DecStreamSubscribers() { r.streamSubscribers.Dec() }

func (r *Registry) RecordStreamDrop(reason string) {
	r.streamDrops.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordOAuthRefresh(outcome string) {
	r.oauthRefreshTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetOAuthTokens(n int) {
	r.oauthTokens.Set(float64(n))
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

// RecordUnhealthy counts a cooldown marking. The health gauge is set
// separately via SetProviderHealth.
func (r *Registry) RecordUnhealthy(provider string) {
	r.unhealthyMarkings.WithLabelValues(provider).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
