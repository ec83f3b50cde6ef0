package prefs

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists preferences.
type Store interface {
	Load() (Preferences, error)
	Save(Preferences) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, validated access to preferences.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Preferences
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// Get returns the current preferences, with defaults for unset fields.
func (m *Manager) Get() (Preferences, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		p := *m.cached
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	p, err := m.store.Load()
	if err != nil {
		return Preferences{}, fmt.Errorf("loading preferences: %w", err)
	}
	p = p.normalize()
	m.cached = &p
	m.cachedAt = m.clock.Now()
	return p, nil
}

// Set validates and persists one preference, then invalidates the cache.
func (m *Manager) Set(key, value string) (Preferences, error) {
	return m.Update(map[string]string{key: value})
}

// Update validates every value and persists them together. Nothing is saved
// when any key or value is rejected. Keys are applied in sorted order so the
// reported error does not depend on map iteration.
func (m *Manager) Update(values map[string]string) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.Load()
	if err != nil {
		return Preferences{}, fmt.Errorf("loading preferences: %w", err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	next := cur.normalize()
	for _, k := range keys {
		if next, err = next.With(k, values[k]); err != nil {
			return Preferences{}, err
		}
	}
	if len(keys) == 0 {
		return next, nil
	}
	if err := m.store.Save(next); err != nil {
		return Preferences{}, fmt.Errorf("saving preferences %v: %w", keys, err)
	}
	m.cached = nil
	return next, nil
}

// Location resolves the configured timezone. Errors fall back to UTC.
func (m *Manager) Location() *time.Location {
	p, err := m.Get()
	if err != nil {
		return time.UTC
	}
	return p.Location()
}
