package governance

import (
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultCacheMaxSize is the capacity used when CacheOptions.MaxSize is zero.
	DefaultCacheMaxSize = 1000
	// DefaultCacheTTL is the entry lifetime used when CacheOptions.TTL is zero.
	DefaultCacheTTL = 60 * time.Second
)

type (
	// CacheOptions configures a Cache.
	CacheOptions struct {
		// MaxSize bounds the number of live entries. Zero selects
		// DefaultCacheMaxSize.
		MaxSize int
		// TTL is the lifetime of an entry from its last Set. Zero selects
		// DefaultCacheTTL.
		TTL time.Duration
		// Clock returns the current time. Defaults to time.Now.
		Clock func() time.Time
	}

	// Cache memoizes values per (agent, action type) pair. Entries expire TTL
	// after they were last set and the least recently used entry is evicted
	// when a new key is inserted into a full cache.
	//
	// Agent identifiers are compared exactly and keep their case; action types
	// are compared case-insensitively. All methods are safe for concurrent use
	// and hold the cache lock only for constant time map and list updates
	// (InvalidateAgent is linear in the number of keys held for that agent).
	Cache[V any] struct {
		mu      sync.Mutex
		lru     *simplelru.LRU[string, *cacheEntry[V]]
		byAgent map[string]map[string]struct{}
		ttl     time.Duration
		now     func() time.Time

		hits      uint64
		misses    uint64
		evictions uint64
	}

	// CacheStats is a snapshot of the cache counters.
	CacheStats struct {
		Hits      uint64  `json:"hits"`
		Misses    uint64  `json:"misses"`
		Evictions uint64  `json:"evictions"`
		Size      int     `json:"size"`
		HitRate   float64 `json:"hit_rate"`
	}

	cacheEntry[V any] struct {
		agentID   string
		value     V
		createdAt time.Time
		expiresAt time.Time
	}
)

// CacheKey returns the key under which the decision for agentID performing
// actionType is stored: agentID + ":" + lower(actionType).
func CacheKey(agentID, actionType string) string {
	return agentID + ":" + strings.ToLower(actionType)
}

// NewCache builds an empty cache.
func NewCache[V any](opts CacheOptions) (*Cache[V], error) {
	if opts.MaxSize < 0 {
		return nil, errors.New("cache max size must not be negative")
	}
	if opts.TTL < 0 {
		return nil, errors.New("cache ttl must not be negative")
	}
	size := opts.MaxSize
	if size == 0 {
		size = DefaultCacheMaxSize
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	c := &Cache[V]{
		byAgent: make(map[string]map[string]struct{}),
		ttl:     ttl,
		now:     now,
	}
	lru, err := simplelru.NewLRU[string, *cacheEntry[V]](size, c.onRemove)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// Get returns the live value stored for the pair. An entry is live while the
// current time is strictly before its expiry; expired entries are purged and
// reported as a miss. A hit makes the entry the most recently used.
func (c *Cache[V]) Get(agentID, actionType string) (V, bool) {
	return c.Lookup(agentID, actionType, nil)
}

// Lookup is Get with an acceptance check: a live entry rejected by accept is
// removed and reported as a miss. A nil accept admits every live entry.
func (c *Cache[V]) Lookup(agentID, actionType string, accept func(V) bool) (V, bool) {
	key := CacheKey(agentID, actionType)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok || e.agentID != agentID {
		c.misses++
		var zero V
		return zero, false
	}
	if !now.Before(e.expiresAt) || (accept != nil && !accept(e.value)) {
		c.lru.Remove(key)
		c.misses++
		var zero V
		return zero, false
	}
	c.lru.Get(key)
	c.hits++
	return e.value, true
}

// Set stores value for the pair, restarting its TTL and making it the most
// recently used entry. Inserting a new key into a full cache first evicts the
// least recently used entry.
func (c *Cache[V]) Set(agentID, actionType string, value V) {
	key := CacheKey(agentID, actionType)
	now := c.now()
	e := &cacheEntry[V]{
		agentID:   agentID,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lru.Peek(key); ok {
		if prev.agentID == agentID {
			c.lru.Add(key, e)
			return
		}
		// Identifiers containing ':' may produce the same key for different
		// agents; the stored agent always owns the entry.
		c.lru.Remove(key)
	}
	if c.lru.Add(key, e) {
		c.evictions++
	}
	keys, ok := c.byAgent[agentID]
	if !ok {
		keys = make(map[string]struct{})
		c.byAgent[agentID] = keys
	}
	keys[key] = struct{}{}
}

// Invalidate removes the entry for the pair and reports whether one existed.
func (c *Cache[V]) Invalidate(agentID, actionType string) bool {
	key := CacheKey(agentID, actionType)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); !ok || e.agentID != agentID {
		return false
	}
	return c.lru.Remove(key)
}

// InvalidateAgent removes every entry stored for exactly agentID and returns
// the number of entries removed. Entries of other agents are untouched even
// when their identifier shares a prefix with agentID.
func (c *Cache[V]) InvalidateAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byAgent[agentID]
	removed := 0
	for key := range keys {
		if c.lru.Remove(key) {
			removed++
		}
	}
	delete(c.byAgent, agentID)
	return removed
}

// Clear removes all entries. Counters are preserved.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.byAgent = make(map[string]map[string]struct{})
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Stats returns a snapshot of the counters. HitRate is the percentage of hits
// among all lookups rounded to two decimals, or 0 before the first lookup.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = math.Round(float64(c.hits)*10000/float64(total)) / 100
	}
	return stats
}

// onRemove keeps the agent index in sync with the LRU. It runs with c.mu held
// for every removal: eviction, Remove and Purge.
func (c *Cache[V]) onRemove(key string, e *cacheEntry[V]) {
	keys, ok := c.byAgent[e.agentID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byAgent, e.agentID)
	}
}
