// Package config loads and validates all runtime configuration for the balancer.
//
// Configuration is read from a YAML file (config.yaml in the working directory
// unless a path is given) plus a .env file for secrets. Scalar settings may be
// overridden by environment variables in UPPER_SNAKE_CASE; provider auth values
// support ${VAR} expansion so keys never have to live in the YAML file itself.
//
// The file has three top-level sections that drive routing: providers (the
// upstream pool), model_routes (ordered pattern list) and settings (selection,
// health, timeout and deduplication knobs). Everything else is ambient.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Provider type constants.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
)

// Auth type constants.
const (
	AuthAPIKey = "api_key"
	AuthToken  = "auth_token"
	AuthOAuth  = "oauth"
)

// Sentinel auth/model values.
const (
	ValueOAuth       = "oauth"
	ValuePassthrough = "passthrough"
)

// Selection strategy constants.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// Config is the top-level configuration container.
type Config struct {
	// Host/Port the HTTP server listens on. Defaults: 127.0.0.1:9090.
	Host string
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string
	// LogFormat selects the slog handler. One of: json, text.
	LogFormat string

	// Providers is the upstream pool. At least one enabled provider is required.
	Providers []Provider

	// ModelRoutes is the ordered route table. Matching is first-match, top to
	// bottom, so order in the file is meaningful.
	ModelRoutes []ModelRoute

	// Settings holds selection, health, timeout and deduplication knobs.
	Settings Settings

	// OAuth configures token persistence for oauth-typed providers.
	OAuth OAuthConfig

	// Logging configures the async request-analytics logger.
	Logging LoggingConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// Provider describes one upstream endpoint.
type Provider struct {
	// Name uniquely identifies the provider in routes, logs and metrics.
	Name string `mapstructure:"name"`

	// Type selects the wire dialect: "anthropic" (native passthrough) or
	// "openai" (chat-completions with bidirectional translation).
	Type string `mapstructure:"type"`

	// BaseURL is the upstream root. Anthropic-typed providers get
	// /v1/messages appended; openai-typed base URLs include their version
	// path (e.g. https://api.openai.com/v1).
	BaseURL string `mapstructure:"base_url"`

	// AuthType is one of api_key, auth_token, oauth.
	AuthType string `mapstructure:"auth_type"`

	// AuthValue is the credential. Supports ${VAR} expansion and the
	// sentinels "oauth" (resolve via the token manager) and "passthrough"
	// (forward the client's own auth headers).
	AuthValue string `mapstructure:"auth_value"`

	// Enabled providers participate in selection. Defaults to true.
	Enabled *bool `mapstructure:"enabled"`

	// HTTPProxy optionally routes this provider's upstream traffic through
	// an HTTP(S) proxy URL.
	HTTPProxy string `mapstructure:"http_proxy"`
}

// IsEnabled reports whether the provider participates in selection.
func (p Provider) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// UsesOAuth reports whether credentials come from the managed token pool.
func (p Provider) UsesOAuth() bool {
	return p.AuthType == AuthOAuth || p.AuthValue == ValueOAuth
}

// IsPassthrough reports whether the client's own auth headers are forwarded.
func (p Provider) IsPassthrough() bool { return p.AuthValue == ValuePassthrough }

// ModelRoute maps a model-name pattern to an ordered set of targets.
type ModelRoute struct {
	// Pattern is matched case-insensitively against the requested model.
	// "*" matches any run of characters; a pattern without "*" is an exact
	// name.
	Pattern string `mapstructure:"pattern"`

	// Targets are the candidate providers for this pattern.
	Targets []RouteTarget `mapstructure:"targets"`
}

// RouteTarget is one (provider, model) candidate within a route.
type RouteTarget struct {
	// Provider references a Provider.Name.
	Provider string `mapstructure:"provider"`

	// Model is the upstream model name, or "passthrough" to forward the
	// client's requested model unchanged.
	Model string `mapstructure:"model"`

	// Priority orders candidates; lower values are tried first. Targets with
	// equal priority keep file order. Default: 100.
	Priority int `mapstructure:"priority"`
}

// Settings holds the behavioral knobs shared across subsystems.
type Settings struct {
	// SelectionStrategy orders equally eligible candidates:
	// priority, round_robin or random.
	SelectionStrategy string

	// FailureCooldown is how long a provider marked unhealthy is skipped
	// before being eligible again. Default: 180s.
	FailureCooldown time.Duration

	// StickyProviderDuration keeps routing pinned to the last successful
	// provider. 0 disables stickiness. Default: 300s.
	StickyProviderDuration time.Duration

	// UnhealthyThreshold is the number of qualifying failures that mark a
	// provider unhealthy. Default: 2.
	UnhealthyThreshold int

	// UnhealthyHTTPCodes are upstream statuses counting as qualifying
	// failures.
	UnhealthyHTTPCodes []int

	// UnhealthyErrorTypes are error categories (transport classes or parsed
	// error.type values) counting as qualifying failures.
	UnhealthyErrorTypes []string

	// UnhealthyResponseBodyPatterns are regexes probed against response
	// bodies and terminal SSE error events. Invalid regexes degrade to
	// case-insensitive substring match.
	UnhealthyResponseBodyPatterns []string

	// RequestTimeout bounds a single non-streaming upstream attempt.
	RequestTimeout time.Duration

	// StreamingTotalTimeout bounds a whole upstream stream.
	StreamingTotalTimeout time.Duration

	// StreamingIdleTimeout bounds the gap between upstream stream events.
	StreamingIdleTimeout time.Duration

	// MaxProviderConnections bounds concurrent upstream calls per provider.
	// 0 means unbounded.
	MaxProviderConnections int

	// SubscriberBacklogMax caps the broadcaster replay backlog and each
	// subscriber's pending-event buffer.
	SubscriberBacklogMax int

	// Deduplication controls in-flight request coalescing.
	Deduplication DedupSettings

	// Auth gates inbound requests.
	Auth AuthSettings
}

// DedupSettings controls the in-flight deduplication registry.
type DedupSettings struct {
	Enabled bool

	// TTL is the maximum entry lifetime; past it a stale owner is demoted.
	TTL time.Duration

	// IncludeMaxTokens adds max_tokens to the request fingerprint.
	IncludeMaxTokens bool
}

// AuthSettings gates inbound requests on a shared key.
type AuthSettings struct {
	Enabled bool

	// APIKey is accepted via x-api-key or Authorization: Bearer.
	APIKey string

	// ExemptPaths bypass the gate. Defaults: /health, /metrics.
	ExemptPaths []string
}

// OAuthConfig configures token persistence.
type OAuthConfig struct {
	Storage OAuthStorage
}

// OAuthStorage selects where OAuth tokens persist.
type OAuthStorage struct {
	// Type is "file" or "redis".
	Type string

	// Path is the token file location when Type is "file".
	// Default: ~/.claude-balancer/tokens.json.
	Path string

	// RedisURL is required when Type is "redis".
	RedisURL string
}

// LoggingConfig configures the async request-analytics logger.
type LoggingConfig struct {
	// Sink is "slog" (default) or "clickhouse".
	Sink string

	// ClickHouseDSN is required when Sink is "clickhouse".
	ClickHouseDSN string
}

// Load reads configuration from the YAML file at path (or ./config.yaml when
// path is empty), after populating the environment from .env when present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read configuration: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 9090)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("cors_origins", []string{"*"})

	// Selection and health defaults.
	v.SetDefault("settings.selection_strategy", StrategyPriority)
	v.SetDefault("settings.failure_cooldown", "180s")
	v.SetDefault("settings.sticky_provider_duration", "300s")
	v.SetDefault("settings.unhealthy_threshold", 2)
	v.SetDefault("settings.unhealthy_http_codes", defaultUnhealthyHTTPCodes)
	v.SetDefault("settings.unhealthy_error_types", defaultUnhealthyErrorTypes)
	v.SetDefault("settings.unhealthy_response_body_patterns", []string{})

	// Timeout defaults.
	v.SetDefault("settings.request_timeout", "90s")
	v.SetDefault("settings.streaming_total_timeout", "300s")
	v.SetDefault("settings.streaming_idle_timeout", "60s")

	// Resource bounds. 0 connections = unbounded.
	v.SetDefault("settings.max_provider_connections", 0)
	v.SetDefault("settings.subscriber_backlog_max", 1024)

	// Deduplication defaults.
	v.SetDefault("settings.deduplication.enabled", true)
	v.SetDefault("settings.deduplication.ttl", "60s")
	v.SetDefault("settings.deduplication.include_max_tokens", false)

	// Inbound auth gate disabled by default.
	v.SetDefault("settings.auth.enabled", false)
	v.SetDefault("settings.auth.exempt_paths", []string{"/health", "/metrics"})

	// OAuth token persistence.
	v.SetDefault("oauth.storage.type", "file")
	v.SetDefault("oauth.storage.path", "~/.claude-balancer/tokens.json")

	// Request analytics.
	v.SetDefault("logging.sink", "slog")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:      v.GetString("host"),
		Port:      v.GetInt("port"),
		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		CORSOrigins: v.GetStringSlice("cors_origins"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: invalid providers section: %w", err)
	}
	if err := v.UnmarshalKey("model_routes", &cfg.ModelRoutes); err != nil {
		return nil, fmt.Errorf("config: invalid model_routes section: %w", err)
	}
	for i := range cfg.Providers {
		cfg.Providers[i].AuthValue = os.ExpandEnv(cfg.Providers[i].AuthValue)
	}

	var err error
	cfg.Settings = Settings{
		SelectionStrategy:             strings.ToLower(v.GetString("settings.selection_strategy")),
		UnhealthyThreshold:            v.GetInt("settings.unhealthy_threshold"),
		UnhealthyHTTPCodes:            v.GetIntSlice("settings.unhealthy_http_codes"),
		UnhealthyErrorTypes:           v.GetStringSlice("settings.unhealthy_error_types"),
		UnhealthyResponseBodyPatterns: v.GetStringSlice("settings.unhealthy_response_body_patterns"),
		MaxProviderConnections:        v.GetInt("settings.max_provider_connections"),
		SubscriberBacklogMax:          v.GetInt("settings.subscriber_backlog_max"),
		Deduplication: DedupSettings{
			Enabled:          v.GetBool("settings.deduplication.enabled"),
			IncludeMaxTokens: v.GetBool("settings.deduplication.include_max_tokens"),
		},
		Auth: AuthSettings{
			Enabled:     v.GetBool("settings.auth.enabled"),
			APIKey:      os.ExpandEnv(v.GetString("settings.auth.api_key")),
			ExemptPaths: v.GetStringSlice("settings.auth.exempt_paths"),
		},
	}

	// Durations accept either Go duration strings ("180s") or bare numbers,
	// which are read as seconds.
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"settings.failure_cooldown", &cfg.Settings.FailureCooldown},
		{"settings.sticky_provider_duration", &cfg.Settings.StickyProviderDuration},
		{"settings.request_timeout", &cfg.Settings.RequestTimeout},
		{"settings.streaming_total_timeout", &cfg.Settings.StreamingTotalTimeout},
		{"settings.streaming_idle_timeout", &cfg.Settings.StreamingIdleTimeout},
		{"settings.deduplication.ttl", &cfg.Settings.Deduplication.TTL},
	} {
		if *d.dst, err = asDuration(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("config: invalid %s: %w", d.key, err)
		}
	}

	cfg.OAuth = OAuthConfig{Storage: OAuthStorage{
		Type:     strings.ToLower(v.GetString("oauth.storage.type")),
		Path:     expandHome(os.ExpandEnv(v.GetString("oauth.storage.path"))),
		RedisURL: os.ExpandEnv(v.GetString("oauth.storage.redis_url")),
	}}

	cfg.Logging = LoggingConfig{
		Sink:          strings.ToLower(v.GetString("logging.sink")),
		ClickHouseDSN: os.ExpandEnv(v.GetString("logging.clickhouse_dsn")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var defaultUnhealthyHTTPCodes = []int{
	402, 404, 408, 429, 500, 502, 503, 504, 520, 521, 522, 523, 524,
}

var defaultUnhealthyErrorTypes = []string{
	"overloaded_error", "api_error", "connection_error", "timeout",
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d; must be 1-65535", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid log_level %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid log_format %q; must be json or text", c.LogFormat)
	}

	if len(c.Providers) == 0 {
		return errors.New("config: at least one provider must be defined")
	}
	names := make(map[string]struct{}, len(c.Providers))
	enabled := 0
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: name is required", i)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = struct{}{}

		switch p.Type {
		case TypeAnthropic, TypeOpenAI:
		default:
			return fmt.Errorf(
				"config: provider %q: invalid type %q; must be anthropic or openai",
				p.Name, p.Type,
			)
		}
		if err := validURL(p.BaseURL); err != nil {
			return fmt.Errorf("config: provider %q: invalid base_url: %w", p.Name, err)
		}
		switch p.AuthType {
		case AuthAPIKey, AuthToken, AuthOAuth:
		default:
			return fmt.Errorf(
				"config: provider %q: invalid auth_type %q; must be one of: api_key, auth_token, oauth",
				p.Name, p.AuthType,
			)
		}
		if p.AuthValue == "" && p.AuthType != AuthOAuth {
			return fmt.Errorf(
				"config: provider %q: auth_value is required (is the referenced environment variable set?)",
				p.Name,
			)
		}
		if p.HTTPProxy != "" {
			if err := validURL(p.HTTPProxy); err != nil {
				return fmt.Errorf("config: provider %q: invalid http_proxy: %w", p.Name, err)
			}
		}
		if p.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("config: all providers are disabled; enable at least one")
	}

	if len(c.ModelRoutes) == 0 {
		return errors.New("config: at least one model route must be defined")
	}
	for i, r := range c.ModelRoutes {
		if r.Pattern == "" {
			return fmt.Errorf("config: model_routes[%d]: pattern is required", i)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("config: model_routes[%d] (%q): at least one target is required", i, r.Pattern)
		}
		for j, t := range r.Targets {
			if t.Provider == "" {
				return fmt.Errorf("config: model_routes[%d].targets[%d]: provider is required", i, j)
			}
			if _, ok := names[t.Provider]; !ok {
				return fmt.Errorf(
					"config: model_routes[%d] (%q): unknown provider %q",
					i, r.Pattern, t.Provider,
				)
			}
			if t.Model == "" {
				return fmt.Errorf(
					"config: model_routes[%d].targets[%d]: model is required (use %q to forward the client model)",
					i, j, ValuePassthrough,
				)
			}
		}
	}

	switch c.Settings.SelectionStrategy {
	case StrategyPriority, StrategyRoundRobin, StrategyRandom:
	default:
		return fmt.Errorf(
			"config: invalid settings.selection_strategy %q; must be one of: priority, round_robin, random",
			c.Settings.SelectionStrategy,
		)
	}
	if c.Settings.UnhealthyThreshold < 1 {
		return fmt.Errorf("config: settings.unhealthy_threshold must be ≥ 1, got %d", c.Settings.UnhealthyThreshold)
	}
	if c.Settings.FailureCooldown <= 0 {
		return errors.New("config: settings.failure_cooldown must be a positive duration")
	}
	if c.Settings.StickyProviderDuration < 0 {
		return errors.New("config: settings.sticky_provider_duration must not be negative")
	}
	if c.Settings.RequestTimeout <= 0 || c.Settings.StreamingTotalTimeout <= 0 || c.Settings.StreamingIdleTimeout <= 0 {
		return errors.New("config: timeouts must be positive durations")
	}
	if c.Settings.SubscriberBacklogMax < 1 {
		return fmt.Errorf("config: settings.subscriber_backlog_max must be ≥ 1, got %d", c.Settings.SubscriberBacklogMax)
	}
	if c.Settings.Deduplication.TTL <= 0 {
		return errors.New("config: settings.deduplication.ttl must be a positive duration")
	}
	if c.Settings.Auth.Enabled && c.Settings.Auth.APIKey == "" {
		return errors.New("config: settings.auth.api_key is required when the auth gate is enabled")
	}

	switch c.OAuth.Storage.Type {
	case "file":
		if c.OAuth.Storage.Path == "" {
			return errors.New("config: oauth.storage.path is required for the file store")
		}
	case "redis":
		if c.OAuth.Storage.RedisURL == "" {
			return errors.New("config: oauth.storage.redis_url is required when oauth.storage.type=redis")
		}
	default:
		return fmt.Errorf("config: invalid oauth.storage.type %q; must be file or redis", c.OAuth.Storage.Type)
	}

	switch c.Logging.Sink {
	case "slog":
	case "clickhouse":
		if c.Logging.ClickHouseDSN == "" {
			return errors.New("config: logging.clickhouse_dsn is required when logging.sink=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid logging.sink %q; must be slog or clickhouse", c.Logging.Sink)
	}

	return nil
}

// ProviderByName returns the provider definition with the given name.
func (c *Config) ProviderByName(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// asDuration parses a Go duration string, treating a bare number as seconds.
func asDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func validURL(raw string) error {
	if raw == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
