// Package cache contains the in-process value cache and the in-process commit
// lock table used by glassdb.
package cache

import (
	"sync"

	"github.com/sharedcode/glassdb"
)

// Entry is a cached latest version of a key.
type Entry struct {
	Version glassdb.Version
	Value   []byte
	Deleted bool
}

// entryOverhead approximates the bookkeeping cost of an entry on top of its
// key and payload bytes.
const entryOverhead = 64

func (e Entry) size(key string) int64 {
	return int64(len(key)+len(e.Value)) + entryOverhead
}

// Cache is a byte bounded LRU of the latest known version of keys. It is safe
// for concurrent use. A cached entry is only a hint of the latest committed
// state: callers invalidate keys before committing new versions of them.
type Cache struct {
	mu       sync.Mutex
	lookup   map[string]*cacheEntry
	mru      *mru
	maxBytes int64
}

type cacheEntry struct {
	data    Entry
	size    int64
	dllNode *node[string]
}

// NewCache creates a cache bounded by maxBytes. maxBytes <= 0 disables
// caching entirely.
func NewCache(maxBytes int64) *Cache {
	c := &Cache{
		lookup:   make(map[string]*cacheEntry),
		maxBytes: maxBytes,
	}
	c.mru = newMru(c)
	return c
}

// Get returns the cached entry of key and marks it most recently used.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lookup[key]
	if !ok {
		return Entry{}, false
	}
	c.mru.touch(v)
	return v.data, true
}

// Set caches e as the value of key. An existing entry with a newer version is
// kept instead. Entries larger than the whole budget are not cached.
func (c *Cache) Set(key string, e Entry) {
	size := e.size(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > c.maxBytes {
		if v, ok := c.lookup[key]; ok && v.data.Version <= e.Version {
			c.remove(key, v)
		}
		return
	}
	if v, ok := c.lookup[key]; ok {
		if v.data.Version > e.Version {
			c.mru.touch(v)
			return
		}
		c.mru.bytes += size - v.size
		v.data = e
		v.size = size
		c.mru.touch(v)
		c.mru.evict()
		return
	}
	v := &cacheEntry{
		data: e,
		size: size,
	}
	v.dllNode = c.mru.add(key)
	c.mru.bytes += size
	c.lookup[key] = v
	c.mru.evict()
}

// Delete removes the given keys, if present.
func (c *Cache) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if v, ok := c.lookup[k]; ok {
			c.remove(k, v)
		}
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookup = make(map[string]*cacheEntry)
	c.mru = newMru(c)
}

// Count returns the number of cached keys.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lookup)
}

// Size returns the bytes accounted to the cached entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mru.bytes
}

func (c *Cache) remove(key string, v *cacheEntry) {
	c.mru.remove(v.dllNode)
	c.mru.bytes -= v.size
	v.dllNode = nil
	delete(c.lookup, key)
}
