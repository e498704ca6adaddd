package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-balancer/internal/broadcast"
)

// ErrEntryExpired is returned to parked followers when the owner they were
// waiting on exceeded the registry TTL and was demoted. Callers may retry
// Begin once; the retry either becomes the new owner or attaches to one.
var ErrEntryExpired = errors.New("dedup: in-flight entry expired")

// Role describes what a Begin caller must do next.
type Role int

const (
	// RoleOwner performs the upstream call and settles the entry.
	RoleOwner Role = iota
	// RoleFollower waits for the owner's result or stream.
	RoleFollower
)

// Result is the terminal outcome an owner hands to followers of a
// non-streaming request.
type Result struct {
	Provider   string
	StatusCode int
	Body       []byte
}

type entry struct {
	streaming bool
	created   time.Time

	mu         sync.Mutex
	terminalAt time.Time

	// ready is closed when the owner publishes a broadcaster; done is
	// closed on Complete, Fail or demotion.
	ready chan struct{}
	done  chan struct{}

	bcast  *broadcast.Broadcaster
	result *Result
	err    error
}

func (e *entry) deadline(ttl time.Duration) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.terminalAt.IsZero() {
		return e.terminalAt.Add(ttl)
	}
	return e.created.Add(ttl)
}

// Registry is the thread-safe fingerprint → in-flight entry map. A janitor
// goroutine evicts entries past their TTL so a hung owner cannot wedge the
// pipeline forever.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl       time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry whose entries live at most ttl past
// creation (in-flight) or termination (completed streams).
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	r := &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Begin registers interest in a fingerprint. The first caller becomes the
// owner; concurrent callers with the same fingerprint become followers. An
// existing entry past its TTL is demoted first: its waiters are released
// with ErrEntryExpired and the caller becomes a fresh owner.
func (r *Registry) Begin(fp string, streaming bool) *Ticket {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[fp]; ok {
		if now.Before(e.deadline(r.ttl)) {
			return &Ticket{Role: RoleFollower, fp: fp, reg: r, e: e}
		}
		e.settle(nil, ErrEntryExpired)
		delete(r.entries, fp)
	}
	e := &entry{
		streaming: streaming,
		created:   now,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.entries[fp] = e
	return &Ticket{Role: RoleOwner, fp: fp, reg: r, e: e}
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops the janitor. Live entries are released with ErrEntryExpired.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		for fp, e := range r.entries {
			e.settle(nil, ErrEntryExpired)
			delete(r.entries, fp)
		}
		r.mu.Unlock()
	})
}

func (r *Registry) janitor() {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.evictExpired(now)
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, e := range r.entries {
		if now.Before(e.deadline(r.ttl)) {
			continue
		}
		e.settle(nil, ErrEntryExpired)
		delete(r.entries, fp)
	}
}

func (r *Registry) remove(fp string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[fp]; ok && cur == e {
		delete(r.entries, fp)
	}
	r.mu.Unlock()
}

// settle records the terminal outcome once; later calls are no-ops.
func (e *entry) settle(res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.result = res
	e.err = err
	close(e.done)
}

// Ticket is one caller's handle on an in-flight entry. Owners call exactly
// one of Complete/Fail (non-streaming) or Publish then StreamEnded
// (streaming). Followers call Await or Broadcaster.
type Ticket struct {
	Role Role

	fp  string
	reg *Registry
	e   *entry
}

// Complete settles a non-streaming entry, wakes all followers with the
// result and removes the entry so later identical requests go upstream.
func (t *Ticket) Complete(res *Result) {
	t.e.settle(res, nil)
	t.reg.remove(t.fp, t.e)
}

// Fail settles the entry with an error, wakes all followers and removes it.
func (t *Ticket) Fail(err error) {
	t.e.settle(nil, err)
	t.reg.remove(t.fp, t.e)
}

// Publish attaches the live broadcaster to a streaming entry. Followers
// blocked in Broadcaster are released and subscribe to it. The entry stays
// registered so stragglers can still attach until the TTL expires.
func (t *Ticket) Publish(b *broadcast.Broadcaster) {
	t.e.mu.Lock()
	t.e.bcast = b
	t.e.mu.Unlock()
	close(t.e.ready)
}

// StreamEnded marks a streaming entry terminal; the janitor drops it one TTL
// later, which bounds how long a finished stream remains joinable.
func (t *Ticket) StreamEnded() {
	t.e.mu.Lock()
	t.e.terminalAt = time.Now()
	t.e.mu.Unlock()
}

// Await blocks until the owner settles a non-streaming entry.
func (t *Ticket) Await(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.e.done:
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if t.e.err != nil {
		return nil, t.e.err
	}
	return t.e.result, nil
}

// Broadcaster blocks until the owner publishes the stream broadcaster, or
// the entry settles with an error first (owner failed before any event).
func (t *Ticket) Broadcaster(ctx context.Context) (*broadcast.Broadcaster, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.e.ready:
	case <-t.e.done:
		t.e.mu.Lock()
		defer t.e.mu.Unlock()
		if t.e.err != nil {
			return nil, t.e.err
		}
		return nil, ErrEntryExpired
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	return t.e.bcast, nil
}

// Streaming reports whether the entry was opened for a streaming request.
func (t *Ticket) Streaming() bool { return t.e.streaming }
