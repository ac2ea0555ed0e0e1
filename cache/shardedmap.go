package cache

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

type shard struct {
	mu    sync.RWMutex
	items map[string]lockItem
}

// shardedMap spreads the lock table over shardCount mutexes so unrelated
// keys never contend.
type shardedMap struct {
	shards [shardCount]*shard
}

func newShardedMap() *shardedMap {
	m := &shardedMap{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard{items: make(map[string]lockItem)}
	}
	return m
}

func (m *shardedMap) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *shardedMap) load(key string) (lockItem, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	val, ok := s.items[key]
	s.mu.RUnlock()
	return val, ok
}

func (m *shardedMap) loadOrStore(key string, value lockItem) (actual lockItem, loaded bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if actual, loaded = s.items[key]; loaded {
		return actual, true
	}
	s.items[key] = value
	return value, false
}

func (m *shardedMap) compareAndSwap(key string, old, new lockItem) bool {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.items[key]; ok && val == old {
		s.items[key] = new
		return true
	}
	return false
}

func (m *shardedMap) compareAndDelete(key string, old lockItem) bool {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.items[key]; ok && val == old {
		delete(s.items, key)
		return true
	}
	return false
}

func (m *shardedMap) count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
