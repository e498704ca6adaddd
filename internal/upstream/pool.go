// Package upstream performs the actual provider HTTP calls: native
// Anthropic passthrough (with model rewrite) and OpenAI-compatible
// chat-completions (with full request/response translation). Connections
// are pooled per proxy configuration; deadlines come from the caller's
// context so streams can outlive any single-request timeout.
package upstream

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Pool shares HTTP clients between providers. Providers with the same proxy
// setting share one transport and its keep-alive connections.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]*http.Client)}
}

// Client returns the pooled client for the given proxy URL. An empty proxy
// means environment proxy settings apply.
func (p *Pool) Client(proxyURL string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[proxyURL]; ok {
		return c, nil
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	// No client-level timeout: request contexts carry the deadlines, and
	// SSE responses are read long after the headers arrive.
	c := &http.Client{Transport: transport}
	p.clients[proxyURL] = c
	return c, nil
}

// Close shuts idle connections down across all pooled clients.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
