// Package archive keeps finished records for a grace period.
//
// Store is an in-memory map whose entries expire after a TTL. Reads never
// return an expired entry; a background sweep deletes them and reports
// each eviction.
package archive

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("entry not found")
	ErrClosed     = errors.New("archive closed")
	ErrInvalidKey = errors.New("invalid key")
)

// Config configures a Store.
type Config struct {
	// TTL applies when Put is called with ttl <= 0.
	// Zero keeps such entries until deleted.
	TTL time.Duration

	// SweepInterval is how often expired entries are deleted.
	// Default: 1s
	SweepInterval time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		SweepInterval: time.Second,
	}
}

// Store is a TTL map safe for concurrent use.
type Store[V any] struct {
	ttl time.Duration

	mu      sync.RWMutex
	data    map[string]*entry[V]
	onEvict func(key string, value V)

	closed atomic.Bool
	ticker *time.Ticker
	done   chan struct{}
}

type entry[V any] struct {
	value    V
	archived time.Time
	expires  time.Time // Zero means no expiry
}

// New creates a store and starts its sweeper.
func New[V any](cfg Config) *Store[V] {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	s := &Store[V]{
		ttl:    cfg.TTL,
		data:   make(map[string]*entry[V]),
		ticker: time.NewTicker(cfg.SweepInterval),
		done:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// OnEvict registers fn to run, outside the lock, for every entry removed
// by expiry.
func (s *Store[V]) OnEvict(fn func(key string, value V)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Put stores value under key. ttl <= 0 uses the configured TTL.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now()
	e := &entry[V]{value: value, archived: now}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	return nil
}

// Get returns the value stored under key.
func (s *Store[V]) Get(key string) (V, error) {
	var zero V
	if s.closed.Load() {
		return zero, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return zero, ErrNotFound
	}
	return e.value, nil
}

// ArchivedAt returns when key was stored.
func (s *Store[V]) ArchivedAt(key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return time.Time{}, ErrNotFound
	}
	return e.archived, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store[V]) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the live keys, sorted.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live entries.
func (s *Store[V]) Len() int {
	return len(s.Keys())
}

// Close stops the sweeper and drops all entries.
func (s *Store[V]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.ticker.Stop()
	close(s.done)

	s.mu.Lock()
	s.data = make(map[string]*entry[V])
	s.mu.Unlock()
	return nil
}

func (s *Store[V]) sweepLoop() {
	for {
		select {
		case now := <-s.ticker.C:
			s.sweep(now)
		case <-s.done:
			return
		}
	}
}

// sweep deletes entries expired at now and returns how many.
func (s *Store[V]) sweep(now time.Time) int {
	type evicted struct {
		key   string
		value V
	}
	var gone []evicted

	s.mu.Lock()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			gone = append(gone, evicted{key, e.value})
		}
	}
	fn := s.onEvict
	s.mu.Unlock()

	if fn != nil {
		for _, g := range gone {
			fn(g.key, g.value)
		}
	}
	return len(gone)
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}
