package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
)

// Credential is the resolved upstream authentication for one call.
type Credential struct {
	// Scheme selects the header: "x-api-key" or "bearer".
	Scheme string
	Value  string
	// OAuth adds the anthropic-beta header required for OAuth-minted
	// access tokens.
	OAuth bool
}

const (
	SchemeAPIKey = "x-api-key"
	SchemeBearer = "bearer"
)

// Request bundles everything one upstream attempt needs.
type Request struct {
	Provider   config.Provider
	Model      string // resolved upstream model name
	Body       *translate.MessagesRequest
	RawBody    []byte // client's original body, used verbatim on passthrough
	Credential Credential
}

// Response is a completed (non-streaming) upstream exchange.
type Response struct {
	Provider   string
	StatusCode int
	// Body is the Anthropic-format payload for the client.
	Body []byte
	// Raw is the upstream body as received, used for health probing. For
	// native providers it aliases Body.
	Raw []byte
	// Usage is filled when the upstream reported token counts.
	Usage *translate.Usage
}

// ProviderError reports a non-2xx upstream response. The body is kept so
// the failover engine can probe it and non-qualifying errors can be
// surfaced to the client.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s returned HTTP %d", e.Provider, e.StatusCode)
}

// HTTPStatus implements the status-carrying error contract used by the
// response writers.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Stream is a uniform iterator over Anthropic-format SSE events, whatever
// dialect the upstream speaks.
type Stream interface {
	Next() bool
	Event() translate.StreamEvent
	Err() error
	Close() error
}

// Caller dispatches requests to the right dialect implementation.
type Caller struct {
	pool *Pool
	log  *slog.Logger
}

func NewCaller(pool *Pool, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{pool: pool, log: log.With(slog.String("component", "upstream"))}
}

// Complete performs a non-streaming call and returns the client-ready
// response. Non-2xx statuses come back as *ProviderError.
func (c *Caller) Complete(ctx context.Context, req *Request) (*Response, error) {
	switch req.Provider.Type {
	case config.TypeOpenAI:
		return c.completeOpenAI(ctx, req)
	default:
		return c.completeAnthropic(ctx, req)
	}
}

// OpenStream performs a streaming call. The returned stream yields
// Anthropic-format events for both dialects.
func (c *Caller) OpenStream(ctx context.Context, req *Request) (Stream, error) {
	switch req.Provider.Type {
	case config.TypeOpenAI:
		return c.streamOpenAI(ctx, req)
	default:
		return c.streamAnthropic(ctx, req)
	}
}

// CountTokens forwards a count_tokens request to a native provider.
// OpenAI-typed providers have no equivalent endpoint; the orchestrator
// estimates locally instead of calling this.
func (c *Caller) CountTokens(ctx context.Context, req *Request) (*Response, error) {
	return c.countTokensAnthropic(ctx, req)
}

func (c *Caller) client(p config.Provider) (*http.Client, error) {
	return c.pool.Client(p.HTTPProxy)
}
