package sharded

// Set is a concurrent set of strings built on Map.
type Set struct {
	m *Map[struct{}]
}

// NewSet creates a Set with numShards shards. numShards must be a power of two.
func NewSet(numShards int) *Set {
	return &Set{m: NewMap[struct{}](numShards)}
}

// Add inserts key and reports whether it was newly added.
func (s *Set) Add(key string) bool {
	_, loaded := s.m.LoadOrStore(key, struct{}{})
	return !loaded
}

// Has reports whether key is in the set.
func (s *Set) Has(key string) bool {
	_, ok := s.m.Load(key)
	return ok
}

// Delete removes key from the set.
func (s *Set) Delete(key string) {
	s.m.Delete(key)
}

// Count returns the number of keys in the set.
func (s *Set) Count() int {
	return s.m.Count()
}

// Keys returns all keys in sorted order.
func (s *Set) Keys() []string {
	return s.m.Keys()
}
