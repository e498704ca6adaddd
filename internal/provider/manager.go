package provider

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/claude-balancer/internal/config"
)

// Candidate is one (provider, upstream model) pair the orchestrator may try.
type Candidate struct {
	Provider *Provider
	Model    string
}

// Manager owns the provider pool. It resolves ordered candidates per
// request, records health outcomes, keeps the sticky pointer, and swaps in
// new configuration snapshots without dropping runtime state.
type Manager struct {
	log *slog.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
	routes    []route
	engine    *Engine
	settings  config.Settings
	rr        map[string]*atomic.Uint64

	stickyName string
	stickyAt   time.Time
}

// NewManager builds a manager from the initial configuration snapshot.
func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:       log,
		providers: make(map[string]*Provider),
	}
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
	return m
}

// Reload swaps in a new configuration snapshot. Health state carries over
// for providers whose name and type are unchanged; everything else starts
// fresh.
func (m *Manager) Reload(cfg *config.Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
	m.log.Info("provider pool reloaded",
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("routes", len(cfg.ModelRoutes)),
	)
}

func (m *Manager) applyLocked(cfg *config.Config) {
	next := make(map[string]*Provider, len(cfg.Providers))
	order := make([]string, 0, len(cfg.Providers))
	for _, def := range cfg.Providers {
		if prev, ok := m.providers[def.Name]; ok && prev.Def().Type == def.Type {
			prev.updateDef(def)
			next[def.Name] = prev
		} else {
			next[def.Name] = newProvider(def)
		}
		order = append(order, def.Name)
	}
	m.providers = next
	m.order = order
	m.routes = compileRoutes(cfg.ModelRoutes)
	m.settings = cfg.Settings
	m.engine = NewEngine(cfg.Settings)

	m.rr = make(map[string]*atomic.Uint64, len(m.routes))
	for _, r := range m.routes {
		m.rr[r.pattern] = new(atomic.Uint64)
	}

	if m.stickyName != "" {
		if _, ok := next[m.stickyName]; !ok {
			m.stickyName = ""
		}
	}
}

// Settings returns the settings snapshot the pool was built from.
func (m *Manager) Settings() config.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Classify runs the health engine over an upstream outcome.
func (m *Manager) Classify(o Outcome) Classification {
	m.mu.RLock()
	engine := m.engine
	m.mu.RUnlock()
	return engine.Classify(o)
}

// Candidates resolves the ordered provider candidates for a requested model.
//
// The boolean distinguishes "no route matched" (false — answer 404) from
// "route matched but every candidate is disabled or cooling down" (true with
// an empty slice — answer 503). Candidate order is: priority sort, selection
// strategy applied within the top-priority band, then the sticky provider
// moved to the head while its window is active.
func (m *Manager) Candidates(model string) ([]Candidate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.matchRouteLocked(model)
	if !ok {
		return nil, false
	}

	now := time.Now()
	eligible := make([]Candidate, 0, len(rt.targets))
	prios := make([]int, 0, len(rt.targets))
	for _, t := range rt.targets {
		p := m.providers[t.Provider]
		if p == nil || !p.Def().IsEnabled() || !p.Healthy(now) {
			continue
		}
		upstreamModel := t.Model
		if upstreamModel == config.ValuePassthrough {
			upstreamModel = model
		}
		eligible = append(eligible, Candidate{Provider: p, Model: upstreamModel})
		prios = append(prios, targetPriority(t))
	}
	if len(eligible) == 0 {
		return nil, true
	}

	// The strategy reorders only the leading equal-priority band; lower
	// priorities stay behind it as failover backups.
	band := 1
	for band < len(eligible) && prios[band] == prios[0] {
		band++
	}
	switch m.settings.SelectionStrategy {
	case config.StrategyRoundRobin:
		if c := m.rr[rt.pattern]; c != nil {
			rotate(eligible[:band], int((c.Add(1)-1)%uint64(band)))
		}
	case config.StrategyRandom:
		rand.Shuffle(band, func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	}

	if m.settings.StickyProviderDuration > 0 && m.stickyName != "" &&
		now.Sub(m.stickyAt) <= m.settings.StickyProviderDuration {
		moveToFront(eligible, m.stickyName)
	}
	return eligible, true
}

func (m *Manager) matchRouteLocked(model string) (route, bool) {
	for _, r := range m.routes {
		if matchModel(r.pattern, model) {
			return r, true
		}
	}
	return route{}, false
}

// RecordSuccess resets the provider's error streak and refreshes the sticky
// pointer.
func (m *Manager) RecordSuccess(name string) {
	m.mu.Lock()
	p := m.providers[name]
	if p != nil && m.settings.StickyProviderDuration > 0 {
		m.stickyName = name
		m.stickyAt = time.Now()
	}
	m.mu.Unlock()

	if p == nil {
		return
	}
	if recovered := p.recordSuccess(time.Now()); recovered {
		m.log.Info("provider recovered", slog.String("provider", name))
	}
}

// RecordFailure counts a qualifying failure against the provider. Returns
// true when the provider was (re)marked unhealthy by this failure.
func (m *Manager) RecordFailure(name string, cls Classification) bool {
	m.mu.RLock()
	p := m.providers[name]
	threshold := m.settings.UnhealthyThreshold
	cooldown := m.settings.FailureCooldown
	m.mu.RUnlock()

	if p == nil {
		return false
	}
	marked := p.recordFailure(time.Now(), cls, threshold, cooldown)
	if marked {
		m.log.Warn("provider marked unhealthy",
			slog.String("provider", name),
			slog.String("reason", cls.Reason),
			slog.String("detail", cls.Detail),
			slog.Duration("cooldown", cooldown),
		)
	}
	return marked
}

// StickyProvider returns the active sticky pointer, if any.
func (m *Manager) StickyProvider() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings.StickyProviderDuration <= 0 || m.stickyName == "" {
		return "", false
	}
	if time.Since(m.stickyAt) > m.settings.StickyProviderDuration {
		return "", false
	}
	return m.stickyName, true
}

// Statuses returns the health snapshot of every provider in config order.
func (m *Manager) Statuses() []ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]ProviderStatus, 0, len(m.order))
	for _, name := range m.order {
		if p := m.providers[name]; p != nil {
			out = append(out, p.Status(now))
		}
	}
	return out
}

// HealthyCount reports (healthy, total) over enabled providers.
func (m *Manager) HealthyCount() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	healthy, total := 0, 0
	for _, p := range m.providers {
		if !p.Def().IsEnabled() {
			continue
		}
		total++
		if p.Healthy(now) {
			healthy++
		}
	}
	return healthy, total
}

func rotate(c []Candidate, offset int) {
	if offset <= 0 || offset >= len(c) {
		return
	}
	rotated := make([]Candidate, 0, len(c))
	rotated = append(rotated, c[offset:]...)
	rotated = append(rotated, c[:offset]...)
	copy(c, rotated)
}

func moveToFront(c []Candidate, name string) {
	for i := range c {
		if c[i].Provider.Name() == name {
			if i > 0 {
				hit := c[i]
				copy(c[1:i+1], c[0:i])
				c[0] = hit
			}
			return
		}
	}
}
