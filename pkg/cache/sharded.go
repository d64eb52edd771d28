package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// shardedMap is an fnv-sharded map of TTL entries.
type shardedMap[V any] struct {
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	instrument string
	value      V
	writtenAt  time.Time
	ttl        time.Duration
}

// fresh reports whether the entry may still be served at now.
func (e entry[V]) fresh(now time.Time) bool {
	return now.Sub(e.writtenAt) <= e.ttl
}

func newShardedMap[V any]() *shardedMap[V] {
	m := &shardedMap[V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%numShards]
}

func (m *shardedMap[V]) set(key string, e entry[V]) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
}

func (m *shardedMap[V]) get(key string) (entry[V], bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// deleteIfStale removes key only if the stored entry is still the stale one
// observed by the caller, so a concurrent refresh is not lost.
func (m *shardedMap[V]) deleteIfStale(key string, writtenAt time.Time) {
	s := m.shardFor(key)
	s.mu.Lock()
	if e, ok := s.items[key]; ok && e.writtenAt.Equal(writtenAt) {
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// deleteWhere removes matching entries and returns how many were removed.
func (m *shardedMap[V]) deleteWhere(match func(entry[V]) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if match(e) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *shardedMap[V]) len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// shardCounts returns per-shard sizes and the oldest write time.
func (m *shardedMap[V]) shardCounts() ([numShards]int, time.Time) {
	var (
		counts [numShards]int
		oldest time.Time
	)
	for i, s := range m.shards {
		s.mu.RLock()
		counts[i] = len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.writtenAt.Before(oldest) {
				oldest = e.writtenAt
			}
		}
		s.mu.RUnlock()
	}
	return counts, oldest
}
