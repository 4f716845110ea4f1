package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache is the in-process Cache backend.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]*memoryEntry
	done chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache with a background sweep of
// expired entries.
func NewMemoryCache() *MemoryCache {
	mc := &MemoryCache{
		data: make(map[string]*memoryEntry),
		done: make(chan struct{}),
	}
	go mc.sweep()
	return mc
}

// Get retrieves a value; expired entries count as misses.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

// Set stores a value with the given TTL.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a key.
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Exists reports whether a live entry is present for key.
func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	return ok && time.Now().Before(entry.expiresAt), nil
}

// Clear removes all keys matching pattern. Only a trailing * wildcard is
// supported, mirroring the key namespaces the gateway uses.
func (m *MemoryCache) Clear(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if matchKeyPattern(key, pattern) {
			delete(m.data, key)
		}
	}
	return nil
}

// Close stops the sweep goroutine.
func (m *MemoryCache) Close() error {
	close(m.done)
	return nil
}

func (m *MemoryCache) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.data {
				if now.After(entry.expiresAt) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

func matchKeyPattern(key, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return key == pattern
}
