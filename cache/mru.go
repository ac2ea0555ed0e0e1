package cache

// mru manages the recency ordering and the byte accounting of the cache.
type mru struct {
	bytes int64
	dll   *doublyLinkedList[string]
	cache *Cache
}

func newMru(c *Cache) *mru {
	return &mru{
		cache: c,
		dll:   newDoublyLinkedList[string](),
	}
}

// add inserts the key at the head of the MRU list and returns its node handle.
func (m *mru) add(key string) *node[string] {
	return m.dll.addToHead(key)
}

// touch moves an entry to the head of the list.
func (m *mru) touch(e *cacheEntry) {
	m.dll.moveToHead(e.dllNode)
}

// remove unchains the node from the MRU list.
func (m *mru) remove(n *node[string]) {
	m.dll.delete(n)
}

// evict drops the least recently used entries while over budget.
func (m *mru) evict() {
	for m.isFull() {
		key, ok := m.dll.deleteFromTail()
		if !ok {
			return
		}
		if v, found := m.cache.lookup[key]; found {
			m.bytes -= v.size
			v.dllNode = nil
			delete(m.cache.lookup, key)
		}
	}
}

func (m *mru) isFull() bool {
	return m.bytes > m.cache.maxBytes
}
