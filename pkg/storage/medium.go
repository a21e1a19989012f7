// A medium is the persistent key/value backend behind one storage scope: the session medium lives as long as the
// process (memory), the local medium survives restarts (SQLite file or a shared Postgres table).
// Media hold opaque strings; the envelope format and transforms are the Store's business.
// A medium may be written by other agents too, so nothing read from it is trusted to be a valid envelope.

package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrKeyNotFound = errors.New("key was not found")
	// ErrQuotaExceeded is returned by Medium.Set when storing the value would exceed the medium's capacity.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Medium is a string key/value store with a capacity limit.
type Medium interface {
	// Get returns the stored value or an error wrapping ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores the value, or returns an error wrapping ErrQuotaExceeded if there is no room for it.
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error // Deleting a missing key is not an error.
	Keys(ctx context.Context) ([]string, error)   // All keys, in insertion order where the backend keeps one.
	Clear(ctx context.Context) error
	Close() error
}

// footprint is the size a key/value pair is accounted with against a quota.
func footprint(key, value string) int64 {
	return int64(len(key) + len(value))
}

var _ Medium = (*MemoryMedium)(nil)

// MemoryMedium keeps entries in process memory. It's the session medium and the medium of choice in tests.
type MemoryMedium struct { // Implements Medium.
	mux      sync.RWMutex
	data     map[string]string
	order    []string // Keys in insertion order; overwrites keep their position.
	used     int64    // Sum of footprints of all entries.
	maxBytes int64    // <= 0 is unlimited.
}

// NewMemoryMedium returns an empty medium holding at most `maxBytes` of keys and values; <= 0 is unlimited.
func NewMemoryMedium(maxBytes int64) *MemoryMedium {
	return &MemoryMedium{data: make(map[string]string), maxBytes: maxBytes}
}

func (m *MemoryMedium) Get(_ context.Context, key string) (string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if value, exists := m.data[key]; exists {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func (m *MemoryMedium) Set(_ context.Context, key, value string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	used := m.used + footprint(key, value)
	prevValue, exists := m.data[key]
	if exists {
		used -= footprint(key, prevValue)
	}
	if m.maxBytes > 0 && used > m.maxBytes {
		return fmt.Errorf("%w: writing %q needs %d bytes of %d", ErrQuotaExceeded, key, used, m.maxBytes)
	}
	if !exists {
		m.order = append(m.order, key)
	}
	m.data[key] = value
	m.used = used
	return nil
}

func (m *MemoryMedium) Delete(_ context.Context, key string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	value, exists := m.data[key]
	if !exists {
		return nil
	}
	delete(m.data, key)
	m.used -= footprint(key, value)
	if idx := slices.Index(m.order, key); idx >= 0 {
		m.order = slices.Delete(m.order, idx, idx+1)
	}
	return nil
}

func (m *MemoryMedium) Keys(_ context.Context) ([]string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return slices.Clone(m.order), nil
}

func (m *MemoryMedium) Clear(_ context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	clear(m.data)
	m.order = nil
	m.used = 0
	return nil
}

// UsedBytes returns the footprint currently accounted against the quota.
func (m *MemoryMedium) UsedBytes() int64 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.used
}

func (m *MemoryMedium) Close() error { return nil }
