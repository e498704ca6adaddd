// Package ratelimit bounds concurrent upstream work per provider.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConnLimiter caps concurrent upstream calls per provider using a weighted
// semaphore per provider name. A limit of 0 disables the cap entirely.
//
// Semaphores are created lazily so a config reload that introduces new
// providers needs no coordination here.
type ConnLimiter struct {
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	limit int64
}

// NewConnLimiter creates a limiter with the given per-provider cap.
// limit ≤ 0 means unbounded.
func NewConnLimiter(limit int) *ConnLimiter {
	return &ConnLimiter{
		sems:  make(map[string]*semaphore.Weighted),
		limit: int64(limit),
	}
}

// Unbounded reports whether the limiter is a no-op.
func (l *ConnLimiter) Unbounded() bool { return l.limit <= 0 }

// Acquire blocks until a slot for the provider is free or ctx is done.
// The returned release function must be called exactly once; it is always
// non-nil on success.
func (l *ConnLimiter) Acquire(ctx context.Context, provider string) (func(), error) {
	if l.Unbounded() {
		return func() {}, nil
	}

	sem := l.sem(provider)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// TryAcquire grabs a slot without blocking. It reports false when the
// provider is at capacity.
func (l *ConnLimiter) TryAcquire(provider string) (func(), bool) {
	if l.Unbounded() {
		return func() {}, true
	}

	sem := l.sem(provider)
	if !sem.TryAcquire(1) {
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, true
}

func (l *ConnLimiter) sem(provider string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[provider]
	if !ok {
		s = semaphore.NewWeighted(l.limit)
		l.sems[provider] = s
	}
	return s
}
