package config

import (
	"sync/atomic"
)

// Store holds the active configuration snapshot and supports atomic reload.
//
// Readers always see a complete snapshot: Current returns the pointer that was
// active when they asked, and a failed Reload leaves it untouched. In-flight
// requests keep whatever snapshot they started with.
type Store struct {
	path     string
	override func(*Config)
	cur      atomic.Pointer[Config]
}

// NewStore loads the file at path and returns a store holding it.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already-built config, for tests and tools.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Config { return s.cur.Load() }

// Path returns the file the store was loaded from.
func (s *Store) Path() string { return s.path }

// Reload re-reads the file, validates it, and swaps the snapshot in one step.
// On any error the previous snapshot stays active.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	if s.override != nil {
		s.override(cfg)
	}
	s.cur.Store(cfg)
	return cfg, nil
}

// SetOverride registers a mutation applied to the current snapshot and to
// every subsequent reload. Used for CLI flag overrides; call before serving.
func (s *Store) SetOverride(fn func(*Config)) {
	s.override = fn
	if fn != nil {
		cfg := *s.cur.Load()
		fn(&cfg)
		s.cur.Store(&cfg)
	}
}

// Swap replaces the snapshot directly. Used by tests.
func (s *Store) Swap(cfg *Config) { s.cur.Store(cfg) }
