package cache

import (
	"runtime"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
)

// MemoryCache maps keys to weakly held bitmaps. An entry doesn't keep its bitmap alive:
// when the bitmap is collected, the entry is queued for removal and dropped on the next
// call of any method.
//
// All methods are safe for concurrent use. The lock is held only for map mutations.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[imgcache.Bitmap]
	// retained holds strong references to the most recently used bitmaps, so they survive
	// collections while they are hot. It is nil when retention is disabled.
	retained *lru.Cache[string, *imgcache.Bitmap]

	pendingMu sync.Mutex
	pending   []reclaimedEntry
}

type reclaimedEntry struct {
	key string
	ptr weak.Pointer[imgcache.Bitmap]
}

// NewMemoryCache creates a new memory cache. If retain is greater than 0, up to retain
// recently used bitmaps are held strongly.
func NewMemoryCache(retain int) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]weak.Pointer[imgcache.Bitmap]),
	}
	if retain > 0 {
		// lru.New fails only for non-positive sizes.
		c.retained, _ = lru.New[string, *imgcache.Bitmap](retain)
	}
	return c
}

// Get returns a live bitmap for the key or nil.
func (c *MemoryCache) Get(key string) *imgcache.Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainReclaimed()

	ptr, ok := c.entries[key]
	if !ok {
		metrics.MemoryCacheMisses.Inc()
		return nil
	}
	bmp := ptr.Value()
	if bmp == nil {
		// Collected, but the cleanup hasn't been run yet.
		metrics.MemoryCacheMisses.Inc()
		return nil
	}

	metrics.MemoryCacheHits.Inc()
	c.retain(key, bmp)
	return bmp
}

// Put caches the bitmap and returns it. If the cache already has a live bitmap for the key,
// the passed bitmap is discarded and the cached one is returned. Put with nil bitmap is
// a no-op.
func (c *MemoryCache) Put(key string, bmp *imgcache.Bitmap) *imgcache.Bitmap {
	if bmp == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainReclaimed()

	if ptr, ok := c.entries[key]; ok {
		if existing := ptr.Value(); existing != nil {
			if existing != bmp {
				metrics.MemoryCacheRaces.Inc()
			}
			c.retain(key, existing)
			return existing
		}
	}

	ptr := weak.Make(bmp)
	c.entries[key] = ptr
	runtime.AddCleanup(bmp, c.enqueueReclaimed, reclaimedEntry{key: key, ptr: ptr})

	c.retain(key, bmp)
	return bmp
}

// Len returns the number of entries, including collected ones whose cleanups haven't been
// run yet.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainReclaimed()

	return len(c.entries)
}

func (c *MemoryCache) retain(key string, bmp *imgcache.Bitmap) {
	if c.retained != nil {
		c.retained.Add(key, bmp)
	}
}

// enqueueReclaimed is called by the runtime in a separate goroutine, so it must not
// take the main lock.
func (c *MemoryCache) enqueueReclaimed(e reclaimedEntry) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, e)
	c.pendingMu.Unlock()
}

// drainReclaimed must be called with c.mu held.
func (c *MemoryCache) drainReclaimed() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, e := range pending {
		// The key could have been reused for a new bitmap.
		if ptr, ok := c.entries[e.key]; ok && ptr == e.ptr {
			delete(c.entries, e.key)
			metrics.MemoryCacheReclaimed.Inc()
		}
	}
}
