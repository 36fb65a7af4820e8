// Package localcache is the optional in-process tier consulted before
// MetaStore/BlobStore: a bounded LRU keyed by TileKey holding decoded PNG
// bytes, sized by entry count and total bytes rather than entry count alone.
package localcache

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a byte-budgeted LRU of tile bytes.
type Cache struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, entry]
	maxBytes  int64
	curBytes  int64
}

type entry struct {
	data []byte
}

// New builds a Cache holding at most maxEntries items and maxBytes total
// bytes, whichever limit is hit first.
func New(maxEntries int, maxBytes int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &Cache{maxBytes: maxBytes}
	inner, err := lru.NewWithEvict[string, entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// onEvict keeps curBytes in sync when the underlying LRU evicts by count.
// Must be called with mu held, per hashicorp/golang-lru's synchronous
// eviction callback contract.
func (c *Cache) onEvict(_ string, v entry) {
	c.curBytes -= int64(len(v.data))
}

// Get returns the cached bytes for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.data, true
}

// Put stores data under key, evicting the least-recently-used entries first
// by count and then by the byte budget.
func (c *Cache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= int64(len(old.data))
	}
	c.lru.Add(key, entry{data: data})
	c.curBytes += int64(len(data))

	for c.maxBytes > 0 && c.curBytes > c.maxBytes && c.lru.Len() > 0 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove evicts key, used by invalidation to keep the local tier consistent
// with MetaStore/BlobStore.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// RemovePrefix evicts every key starting with prefix, used by JobEngine's
// mosaic-level invalidate jobs (a single TileKey's Remove isn't enough once
// an entire mosaic's tiles are dropped at once). Returns the count removed.
func (c *Cache) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes reports the current total byte usage.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
