package sharded

import (
	"sort"
	"sync"
)

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrent map from string keys to V.
type Map[V any] struct {
	shards []*mapShard[V]
}

// NewMap creates a Map with numShards shards. numShards must be a power of two.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := &Map[V]{shards: make([]*mapShard[V], numShards)}
	for i := range numShards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[shardIndex(key, len(m.shards))]
}

// Store sets the value for a key.
func (m *Map[V]) Store(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Load returns the value stored for key, if any.
func (m *Map[V]) Load(key string) (value V, ok bool) {
	s := m.shard(key)
	s.mu.RLock()
	value, ok = s.items[key]
	s.mu.RUnlock()
	return value, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	actual, loaded = s.items[key]
	if !loaded {
		actual = value
		s.items[key] = value
	}
	s.mu.Unlock()
	return actual, loaded
}

// Update applies fn to the current value of key (zero value if absent) and
// stores the result, atomically with respect to other writers of that key.
func (m *Map[V]) Update(key string, fn func(old V, exists bool) V) {
	s := m.shard(key)
	s.mu.Lock()
	old, ok := s.items[key]
	s.items[key] = fn(old, ok)
	s.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Count returns the total number of elements in the map.
func (m *Map[V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.mu.RLock()
		count += len(s.items)
		s.mu.RUnlock()
	}
	return count
}

// Keys returns all keys in sorted order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Count())
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Items returns a snapshot of all key-value pairs.
func (m *Map[V]) Items() map[string]V {
	items := make(map[string]V, m.Count())
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			items[k] = v
		}
		s.mu.RUnlock()
	}
	return items
}

// Clear removes all elements.
func (m *Map[V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		clear(s.items)
		s.mu.Unlock()
	}
}
