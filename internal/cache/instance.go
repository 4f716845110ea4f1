package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// InstanceCache is a process-wide byte cache for downloaded DICOM instances,
// keyed by SOP Instance UID. Entries expire after a TTL and are evicted in
// LRU order whenever an insertion would exceed the byte budget.
type InstanceCache struct {
	mu        sync.Mutex
	entries   map[string]*instanceEntry
	maxBytes  int64
	curBytes  int64
	ttl       time.Duration
	enabled   bool
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type instanceEntry struct {
	payload        []byte
	createdAt      time.Time
	lastAccessedAt time.Time
}

// InstanceCacheStats is a point-in-time snapshot of cache counters.
type InstanceCacheStats struct {
	Enabled      bool    `json:"enabled"`
	Entries      int     `json:"entries"`
	CurrentBytes int64   `json:"current_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
}

// NewInstanceCache creates an instance cache with the given byte budget and
// entry TTL.
func NewInstanceCache(maxBytes int64, ttl time.Duration, enabled bool) *InstanceCache {
	return &InstanceCache{
		entries:  make(map[string]*instanceEntry),
		maxBytes: maxBytes,
		ttl:      ttl,
		enabled:  enabled,
	}
}

// Get returns the cached bytes for sopInstanceUID, or false on a miss.
// Expired entries are removed on access.
func (c *InstanceCache) Get(sopInstanceUID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses.Add(1)
		return nil, false
	}

	entry, ok := c.entries[sopInstanceUID]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.removeLocked(sopInstanceUID)
		c.misses.Add(1)
		return nil, false
	}

	entry.lastAccessedAt = time.Now()
	c.hits.Add(1)
	return entry.payload, true
}

// Put stores instance bytes, evicting least-recently-used entries until the
// insertion fits the byte budget. A payload larger than the whole budget is
// not cached.
func (c *InstanceCache) Put(sopInstanceUID string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || len(payload) == 0 {
		return
	}
	incoming := int64(len(payload))
	if incoming > c.maxBytes {
		return
	}

	// Replacing an existing key releases its bytes first.
	if prev, ok := c.entries[sopInstanceUID]; ok {
		c.curBytes -= int64(len(prev.payload))
		delete(c.entries, sopInstanceUID)
	}

	for c.curBytes+incoming > c.maxBytes && len(c.entries) > 0 {
		c.evictOldestLocked()
	}

	now := time.Now()
	c.entries[sopInstanceUID] = &instanceEntry{
		payload:        payload,
		createdAt:      now,
		lastAccessedAt: now,
	}
	c.curBytes += incoming
}

// Remove deletes one entry.
func (c *InstanceCache) Remove(sopInstanceUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(sopInstanceUID)
}

// Clear drops all entries. Counters are preserved.
func (c *InstanceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*instanceEntry)
	c.curBytes = 0
}

// Configure replaces the cache policy at runtime and re-applies the byte
// budget to the current contents.
func (c *InstanceCache) Configure(maxBytes int64, ttl time.Duration, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxBytes = maxBytes
	c.ttl = ttl
	c.enabled = enabled

	if !enabled {
		c.entries = make(map[string]*instanceEntry)
		c.curBytes = 0
		return
	}
	for c.curBytes > c.maxBytes && len(c.entries) > 0 {
		c.evictOldestLocked()
	}
}

// Stats returns a snapshot of the cache counters.
func (c *InstanceCache) Stats() InstanceCacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	curBytes := c.curBytes
	maxBytes := c.maxBytes
	enabled := c.enabled
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := InstanceCacheStats{
		Enabled:      enabled,
		Entries:      entries,
		CurrentBytes: curBytes,
		MaxBytes:     maxBytes,
		Hits:         hits,
		Misses:       misses,
		Evictions:    c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *InstanceCache) removeLocked(sopInstanceUID string) {
	if entry, ok := c.entries[sopInstanceUID]; ok {
		c.curBytes -= int64(len(entry.payload))
		delete(c.entries, sopInstanceUID)
	}
}

// evictOldestLocked drops the entry with the smallest lastAccessedAt.
func (c *InstanceCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.lastAccessedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.lastAccessedAt
			first = false
		}
	}
	if oldestKey != "" {
		c.removeLocked(oldestKey)
		c.evictions.Add(1)
	}
}
