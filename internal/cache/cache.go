// Package cache stores computed trend results so repeated dashboard queries
// against the same snapshot skip the aggregation step.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// Cache is implemented by the trend result cache backends.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.TrendResult, bool, error)
	Set(ctx context.Context, key string, value models.TrendResult, ttl time.Duration) error
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access. The clock is injectable so expiry
// is testable without sleeping.
type InMemoryCache struct {
	mu    sync.RWMutex
	data  map[string]cacheEntry
	clock clockwork.Clock
}

type cacheEntry struct {
	value     models.TrendResult
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache on the real clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an in-memory cache on the given clock.
func NewInMemoryCacheWithClock(clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: clock,
	}
}

// Get retrieves the cached result for the key if present and not expired.
// Returns (result, true, nil) on hit, (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.TrendResult, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.TrendResult{}, false, nil
	}

	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// re-check under the write lock; a Set may have refreshed the entry
		if cur, ok := c.data[key]; ok && c.clock.Now().After(cur.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return models.TrendResult{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores a result with the specified TTL. The entry expires after TTL
// elapses and is removed on the next Get.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.TrendResult, ttl time.Duration) error {
	c.mu.Lock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently stored, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
