package sharded

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewMapPanicsOnInvalidShardCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected NewMap to panic for a non power of two shard count")
		}
	}()
	NewMap[int](3)
}

func TestMap(t *testing.T) {
	m := NewMap[int](DefaultShards)

	m.Store("a", 1)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Errorf("expected a=1, got %d (ok=%v)", v, ok)
	}

	actual, loaded := m.LoadOrStore("a", 5)
	if !loaded || actual != 1 {
		t.Errorf("expected LoadOrStore to load existing value 1, got %d (loaded=%v)", actual, loaded)
	}
	actual, loaded = m.LoadOrStore("b", 2)
	if loaded || actual != 2 {
		t.Errorf("expected LoadOrStore to store 2, got %d (loaded=%v)", actual, loaded)
	}

	m.Update("b", func(old int, exists bool) int { return old + 10 })
	if v, _ := m.Load("b"); v != 12 {
		t.Errorf("expected b=12 after Update, got %d", v)
	}

	if keys := m.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected sorted keys [a b], got %v", keys)
	}

	m.Delete("a")
	if m.Count() != 1 {
		t.Errorf("expected count 1 after delete, got %d", m.Count())
	}
	m.Clear()
	if m.Count() != 0 {
		t.Errorf("expected empty map after Clear, got %d", m.Count())
	}
}

func TestMapConcurrentUpdate(t *testing.T) {
	m := NewMap[int](DefaultShards)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			for j := 0; j < 100; j++ {
				m.Update(key, func(old int, _ bool) int { return old + 1 })
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, v := range m.Items() {
		total += v
	}
	if total != 5000 {
		t.Errorf("expected total 5000, got %d", total)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(DefaultShards)
	if !s.Add("/a") {
		t.Error("expected first Add to report a new key")
	}
	if s.Add("/a") {
		t.Error("expected second Add to report an existing key")
	}
	if !s.Has("/a") || s.Has("/b") {
		t.Error("unexpected Has results")
	}
	s.Delete("/a")
	if s.Count() != 0 {
		t.Errorf("expected empty set, got %d", s.Count())
	}
}
