package cache

import (
	"sync/atomic"
	"time"
)

// Key identifies a cached retrieval result. Two queries share an entry only
// when the query text, the result count and the type filter all match.
type Key struct {
	Query      string
	TopK       int
	TypeFilter string
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// ResultCache caches retrieval results keyed by (query, top_k, type_filter).
// Any write to the underlying store invalidates the whole cache.
type ResultCache[V any] struct {
	lru *LRUCache[Key, V]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache creates a result cache with the given capacity.
func NewResultCache[V any](capacity int, ttl time.Duration) *ResultCache[V] {
	return &ResultCache[V]{
		lru: NewLRUCache[Key, V](capacity, ttl),
	}
}

func (c *ResultCache[V]) Get(key Key) (V, bool) {
	value, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

func (c *ResultCache[V]) Set(key Key, value V) {
	c.lru.Set(key, value, 0)
}

// InvalidateAll drops every cached result. Called synchronously on each
// store or delete so stale results are never served.
func (c *ResultCache[V]) InvalidateAll() {
	c.lru.Clear()
}

func (c *ResultCache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{
		Hits:   hits,
		Misses: misses,
		Size:   c.lru.Size(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
