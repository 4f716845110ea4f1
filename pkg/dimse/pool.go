package dimse

import (
	"context"
	"sync"
	"time"
)

// AssociationCache keeps open outbound associations keyed by caller-defined
// strings, so consecutive stores that need the same negotiated presentation
// context reuse one association instead of renegotiating per instance.
type AssociationCache struct {
	maxIdleTime   time.Duration
	mu            sync.Mutex
	associations  map[string]*Association
	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// NewAssociationCache creates an association cache. Idle associations are
// released after maxIdleTime (default 5 minutes).
func NewAssociationCache(maxIdleTime time.Duration) *AssociationCache {
	if maxIdleTime == 0 {
		maxIdleTime = 5 * time.Minute
	}

	c := &AssociationCache{
		maxIdleTime:   maxIdleTime,
		associations:  make(map[string]*Association),
		cleanupTicker: time.NewTicker(1 * time.Minute),
		done:          make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the open association for key, or establishes a new one from
// config and caches it.
func (c *AssociationCache) Get(ctx context.Context, key string, config AssociationConfig) (*Association, error) {
	c.mu.Lock()
	if assoc, ok := c.associations[key]; ok && assoc.IsConnected() {
		c.mu.Unlock()
		assoc.UpdateLastUsed()
		return assoc, nil
	}
	c.mu.Unlock()

	assoc := NewAssociation(config)
	if err := assoc.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.associations[key]; ok {
		prev.Close()
	}
	c.associations[key] = assoc
	c.mu.Unlock()
	return assoc, nil
}

// Release closes and removes the association for key, if any.
func (c *AssociationCache) Release(key string) {
	c.mu.Lock()
	assoc, ok := c.associations[key]
	delete(c.associations, key)
	c.mu.Unlock()
	if ok {
		assoc.Close()
	}
}

// Close releases all cached associations and stops the cleanup loop.
func (c *AssociationCache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cleanupTicker.Stop()
	})

	c.mu.Lock()
	for key, assoc := range c.associations {
		assoc.Close()
		delete(c.associations, key)
	}
	c.mu.Unlock()
}

// Len returns the number of cached associations.
func (c *AssociationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.associations)
}

func (c *AssociationCache) cleanup() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeIdle()
		case <-c.done:
			return
		}
	}
}

func (c *AssociationCache) removeIdle() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, assoc := range c.associations {
		if !assoc.IsConnected() || now.Sub(assoc.GetLastUsed()) > c.maxIdleTime {
			assoc.Close()
			delete(c.associations, key)
		}
	}
}
