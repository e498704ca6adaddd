// Package provider tracks the upstream pool: per-provider health state, the
// ordered route table, and candidate selection for each request.
package provider

import (
	"sync"
	"time"

	"github.com/nulpointcorp/claude-balancer/internal/config"
)

// Provider pairs an upstream definition with its runtime health state.
// Health mutations take the per-provider mutex so the manager's read lock is
// never held across bookkeeping.
type Provider struct {
	mu  sync.Mutex
	def config.Provider

	errorCount    int
	unhealthy     bool
	cooldownUntil time.Time
	lastError     string
	lastErrorAt   time.Time
	lastSuccessAt time.Time
	totalRequests uint64
	totalFailures uint64
}

func newProvider(def config.Provider) *Provider {
	return &Provider{def: def}
}

// Name returns the configured provider name.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def.Name
}

// Def returns a copy of the current upstream definition.
func (p *Provider) Def() config.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def
}

func (p *Provider) updateDef(def config.Provider) {
	p.mu.Lock()
	p.def = def
	p.mu.Unlock()
}

// Healthy reports whether the provider is selectable at the given instant.
// A provider past its cooldown is selectable again even though its error
// streak is preserved: the next qualifying failure re-enters cooldown
// immediately, the next success clears the streak.
func (p *Provider) Healthy(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unhealthy {
		return true
	}
	return !now.Before(p.cooldownUntil)
}

// recordSuccess resets the error streak and clears any unhealthy mark.
// Returns true when the provider was unhealthy before the call.
func (p *Provider) recordSuccess(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	recovered := p.unhealthy
	p.unhealthy = false
	p.errorCount = 0
	p.cooldownUntil = time.Time{}
	p.lastSuccessAt = now
	p.totalRequests++
	return recovered
}

// recordFailure counts a qualifying failure. Crossing the threshold, or
// failing the first probe after a cooldown expired, (re)marks the provider
// unhealthy until now+cooldown. Returns true when the mark was (re)applied.
func (p *Provider) recordFailure(now time.Time, cls Classification, threshold int, cooldown time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errorCount++
	p.totalRequests++
	p.totalFailures++
	p.lastError = cls.Reason
	if cls.Detail != "" {
		p.lastError = cls.Reason + ": " + cls.Detail
	}
	p.lastErrorAt = now

	switch {
	case !p.unhealthy && p.errorCount >= threshold:
		p.unhealthy = true
		p.cooldownUntil = now.Add(cooldown)
		return true
	case p.unhealthy && !now.Before(p.cooldownUntil):
		p.cooldownUntil = now.Add(cooldown)
		return true
	}
	return false
}

// ErrorCount returns the current qualifying-failure streak.
func (p *Provider) ErrorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCount
}

// ProviderStatus is the externally visible health snapshot of one provider.
type ProviderStatus struct {
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	BaseURL       string     `json:"base_url"`
	Enabled       bool       `json:"enabled"`
	Healthy       bool       `json:"healthy"`
	InCooldown    bool       `json:"in_cooldown"`
	ErrorCount    int        `json:"error_count"`
	TotalRequests uint64     `json:"total_requests"`
	TotalFailures uint64     `json:"total_failures"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Status builds the snapshot for the given instant.
func (p *Provider) Status(now time.Time) ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	inCooldown := p.unhealthy && now.Before(p.cooldownUntil)
	st := ProviderStatus{
		Name:          p.def.Name,
		Type:          p.def.Type,
		BaseURL:       p.def.BaseURL,
		Enabled:       p.def.IsEnabled(),
		Healthy:       !inCooldown,
		InCooldown:    inCooldown,
		ErrorCount:    p.errorCount,
		TotalRequests: p.totalRequests,
		TotalFailures: p.totalFailures,
		LastError:     p.lastError,
	}
	if !p.lastErrorAt.IsZero() {
		t := p.lastErrorAt
		st.LastErrorAt = &t
	}
	if !p.lastSuccessAt.IsZero() {
		t := p.lastSuccessAt
		st.LastSuccessAt = &t
	}
	if inCooldown {
		t := p.cooldownUntil
		st.CooldownUntil = &t
	}
	return st
}
