// Package cache provides the in-memory revision cache for revstore.
//
// The cache maps revision-addressed keys (fulltexts, parsed node-revisions,
// pack manifests, directory listings) to their decoded values. Committed
// data is immutable, so entries never go stale on their own; the only
// invalidation events are shard packing (which rewrites offsets) and format
// upgrades. Correctness never depends on the cache: it must be safe to
// discard the whole thing at any moment.
//
// Features:
// - LRU eviction for bounded memory
// - optional TTL expiration
// - revision-scoped invalidation for pack operations
// - hit/miss statistics
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/revstore/pkg/metrics"
)

// RevisionCache is a thread-safe LRU cache keyed by string.
//
// Keys follow the convention "<class>:<revision>:<rest>", e.g.
// "ft:41:8192" for a fulltext or "nr:41:17" for a node-revision, so that
// InvalidateRevisions can drop every entry belonging to a packed shard.
type RevisionCache struct {
	mu sync.Mutex

	// Configuration
	name    string
	maxSize int
	ttl     time.Duration

	// LRU list and map
	list  *list.List
	items map[string]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

// cacheEntry holds a cached item with metadata.
type cacheEntry struct {
	key       string
	rev       int64
	value     interface{}
	expiresAt time.Time
}

// New creates a new revision cache. name labels the cache in metrics.
//
// maxSize bounds the number of entries (LRU eviction beyond it); ttl of 0
// disables expiration, which is the normal configuration since committed
// data is immutable.
func New(name string, maxSize int, ttl time.Duration) *RevisionCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &RevisionCache{
		name:    name,
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Get retrieves a cached value if present and not expired.
func (c *RevisionCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return entry.value, true
}

// Put inserts or replaces a value. rev is the revision the entry belongs
// to; entries with rev < 0 (transaction-scoped values) are never touched by
// InvalidateRevisions and rely on LRU eviction alone.
func (c *RevisionCache) Put(key string, rev int64, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.rev = rev
		entry.expiresAt = time.Now().Add(c.ttl)
		c.list.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{
		key:       key,
		rev:       rev,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = c.list.PushFront(entry)

	for c.list.Len() > c.maxSize {
		if oldest := c.list.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Delete removes a single entry if present.
func (c *RevisionCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// InvalidateRevisions drops every entry whose revision falls in [lo, hi].
// Called after packing a shard, since packing rewrites on-disk offsets.
func (c *RevisionCache) InvalidateRevisions(lo, hi int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.list.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if entry.rev >= lo && entry.rev <= hi {
			c.removeElement(elem)
		}
		elem = next
	}
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (c *RevisionCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.list.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if strings.HasPrefix(entry.key, prefix) {
			c.removeElement(elem)
		}
		elem = next
	}
}

// Purge drops every entry. Used on format upgrades.
func (c *RevisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the current number of entries.
func (c *RevisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *RevisionCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// removeElement removes an element. Caller holds c.mu.
func (c *RevisionCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.list.Remove(elem)
}
