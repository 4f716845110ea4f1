package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(size int) []byte {
	return make([]byte, size)
}

func TestInstanceCacheLRUEviction(t *testing.T) {
	c := NewInstanceCache(300, time.Minute, true)

	c.Put("A", payload(120))
	c.Put("B", payload(120))
	c.Put("C", payload(120))

	// Inserting C exceeds the 300-byte budget, so A (least recently used)
	// is evicted.
	_, ok := c.Get("A")
	assert.False(t, ok)
	_, ok = c.Get("B")
	assert.True(t, ok)
	_, ok = c.Get("C")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(240), stats.CurrentBytes)
	assert.Equal(t, 2, stats.Entries)
}

func TestInstanceCacheGetRefreshesLRUOrder(t *testing.T) {
	c := NewInstanceCache(300, time.Minute, true)

	c.Put("A", payload(120))
	time.Sleep(2 * time.Millisecond)
	c.Put("B", payload(120))
	time.Sleep(2 * time.Millisecond)

	_, ok := c.Get("A")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	// B is now the least recently used entry.
	c.Put("C", payload(120))
	_, ok = c.Get("B")
	assert.False(t, ok)
	_, ok = c.Get("A")
	assert.True(t, ok)
}

func TestInstanceCacheTTLExpiry(t *testing.T) {
	c := NewInstanceCache(1024, 20*time.Millisecond, true)

	c.Put("A", payload(64))
	_, ok := c.Get("A")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("A")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestInstanceCacheReplaceAdjustsBytes(t *testing.T) {
	c := NewInstanceCache(1024, time.Minute, true)

	c.Put("A", payload(100))
	c.Put("A", payload(200))

	stats := c.Stats()
	assert.Equal(t, int64(200), stats.CurrentBytes)
	assert.Equal(t, 1, stats.Entries)
}

func TestInstanceCacheDisabled(t *testing.T) {
	c := NewInstanceCache(1024, time.Minute, false)

	c.Put("A", payload(64))
	_, ok := c.Get("A")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestInstanceCacheOversizePayloadNotCached(t *testing.T) {
	c := NewInstanceCache(100, time.Minute, true)

	c.Put("A", payload(200))
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(0), c.Stats().CurrentBytes)
}

func TestInstanceCacheHitRate(t *testing.T) {
	c := NewInstanceCache(1024, time.Minute, true)
	assert.Zero(t, c.Stats().HitRate)

	c.Put("A", payload(64))
	c.Get("A")
	c.Get("A")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestInstanceCacheConfigureShrinksBudget(t *testing.T) {
	c := NewInstanceCache(1024, time.Minute, true)
	for i := 0; i < 8; i++ {
		c.Put(fmt.Sprintf("uid-%d", i), payload(100))
	}
	require.Equal(t, 8, c.Stats().Entries)

	c.Configure(250, time.Minute, true)
	stats := c.Stats()
	assert.LessOrEqual(t, stats.CurrentBytes, int64(250))
	assert.Equal(t, 2, stats.Entries)
}

func TestInstanceCacheConcurrentAccounting(t *testing.T) {
	c := NewInstanceCache(10_000, time.Minute, true)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				uid := fmt.Sprintf("uid-%d-%d", w, i%10)
				c.Put(uid, payload(50))
				c.Get(uid)
			}
		}(w)
	}
	wg.Wait()

	// At quiescence currentBytes must equal the sum over live entries.
	stats := c.Stats()
	assert.Equal(t, int64(stats.Entries*50), stats.CurrentBytes)
	assert.LessOrEqual(t, stats.CurrentBytes, int64(10_000))
}
