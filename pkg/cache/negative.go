package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
)

// NegativeCache remembers identifiers that couldn't be fetched or decoded. Entries expire
// after ttl, the oldest entries are evicted when the cache is full.
type NegativeCache struct {
	entries *expirable.LRU[string, struct{}]
}

// NewNegativeCache creates a new negative cache. Zero size means no size limit, zero ttl
// means entries never expire.
func NewNegativeCache(size int, ttl time.Duration) *NegativeCache {
	return &NegativeCache{
		entries: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

func (c *NegativeCache) MarkInvalid(id imgcache.Identifier) {
	c.entries.Add(id.String(), struct{}{})
	metrics.NegativeCacheEntries.Inc()
}

func (c *NegativeCache) IsInvalid(id imgcache.Identifier) bool {
	// Peek skips expired entries and doesn't update recency.
	_, ok := c.entries.Peek(id.String())
	if ok {
		metrics.NegativeCacheHits.Inc()
	}
	return ok
}

func (c *NegativeCache) Len() int {
	return c.entries.Len()
}
