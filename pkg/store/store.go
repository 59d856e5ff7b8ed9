package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means the entry never expires
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a thread-safe key-value map with optional per-entry expiry.
// Expired entries are logically absent from the moment their deadline
// passes; they are physically reclaimed lazily on reads or in bulk by the
// background sweeper.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	logger  *slog.Logger
}

func New[K comparable, V any](logger *slog.Logger) *Store[K, V] {
	return &Store[K, V]{
		entries: make(map[K]entry[V]),
		logger:  logger.With(slog.String("component", "state_store")),
	}
}

// Get returns the value for key if it exists and has not expired. An expired
// entry is evicted on the spot.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expired(time.Now()) {
		s.evictExpired(key)
		return zero, false
	}
	return e.value, true
}

// evictExpired deletes key only if it is still present and still expired,
// so a concurrent Set between the read and the eviction is never lost.
func (s *Store[K, V]) evictExpired(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.expired(time.Now()) {
		delete(s.entries, key)
	}
}

// Set unconditionally stores a value with no expiry.
func (s *Store[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value}
}

// SetTTL unconditionally stores a value that expires ttl from now.
// A non-positive ttl behaves like Set.
func (s *Store[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

// Remove deletes key, reporting whether a live entry was removed.
func (s *Store[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return !e.expired(time.Now())
}

// Exists reports whether key holds a non-expired entry.
func (s *Store[K, V]) Exists(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Values returns a snapshot of all non-expired values. No ordering guarantee.
func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]V, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now) {
			out = append(out, e.value)
		}
	}
	return out
}

// Keys returns a snapshot of all keys holding non-expired entries.
func (s *Store[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]K, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// GetOrAdd returns the existing value for key, or stores and returns the
// result of factory. Concurrent callers racing on an absent key observe a
// single factory invocation; an expired entry is treated as absent and
// replaced. The stored value does not expire. The factory runs under the
// store lock and must not call back into the store.
func (s *Store[K, V]) GetOrAdd(key K, factory func(K) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		return e.value
	}
	value := factory(key)
	s.entries[key] = entry[V]{value: value}
	return value
}

// Update atomically replaces the value for key while preserving its expiry.
// It reports false when the key is absent or expired.
func (s *Store[K, V]) Update(key K, updater func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return false
	}
	e.value = updater(e.value)
	s.entries[key] = e
	return true
}

// Len counts non-expired entries. The count is approximate under concurrent
// mutation.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[K]entry[V])
}

// Sweep removes all expired entries and returns how many were reclaimed.
func (s *Store[K, V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled. A
// panicking sweep is logged and the schedule continues on the next tick.
func (s *Store[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runSweep()
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped")
				return
			}
		}
	}()
}

func (s *Store[K, V]) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep panicked", slog.Any("panic", r))
		}
	}()
	if removed := s.Sweep(); removed > 0 {
		s.logger.Debug("Swept expired entries", slog.Int("removed", removed))
	}
}
