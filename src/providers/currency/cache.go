package currency

import (
	"sync"
	"time"
)

// RateCache keeps fetched rates for a fixed TTL. It is safe for concurrent use.
type RateCache struct {
	mu      sync.RWMutex
	entries map[string]rateEntry
	ttl     time.Duration
	now     func() time.Time

	statsMu sync.Mutex
	hits    int64
	misses  int64
}

type rateEntry struct {
	rate      float64
	fetchedAt time.Time
}

// DefaultCacheTTL applies when no positive ttl is configured.
const DefaultCacheTTL = time.Hour

// NewRateCache creates a cache. A non-positive ttl falls back to DefaultCacheTTL.
func NewRateCache(ttl time.Duration) *RateCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RateCache{entries: make(map[string]rateEntry), ttl: ttl, now: time.Now}
}

func pairKey(base, target string) string { return base + "/" + target }

// Get returns a rate that is still fresh.
func (c *RateCache) Get(base, target string) (float64, time.Time, bool) {
	c.mu.RLock()
	e, ok := c.entries[pairKey(base, target)]
	c.mu.RUnlock()

	fresh := ok && c.now().Sub(e.fetchedAt) <= c.ttl
	c.statsMu.Lock()
	if fresh {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
	if !fresh {
		return 0, time.Time{}, false
	}
	return e.rate, e.fetchedAt, true
}

// Set stores rate as fetched now.
func (c *RateCache) Set(base, target string, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pairKey(base, target)] = rateEntry{rate: rate, fetchedAt: c.now()}
}

// CleanExpired drops stale entries.
func (c *RateCache) CleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// CacheStats holds cache performance metrics.
type CacheStats struct {
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	Entries int           `json:"entries"`
	TTL     time.Duration `json:"-"`
}

// HitRate returns hits over lookups.
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0.0
	}
	return float64(cs.Hits) / float64(total)
}

func (c *RateCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: n, TTL: c.ttl}
}
