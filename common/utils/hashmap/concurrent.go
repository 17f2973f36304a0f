package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	// DefaultShards is the shard count used by the registry and placement tables.
	DefaultShards = 32
)

var _ HashMap[string, int] = (*ConcurrentMap[string, int])(nil)

// ConcurrentMap is a sharded map. Each shard has its own lock, so operations on
// keys that hash to different shards never contend.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[K, V]
}

func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	if shards > 0 {
		cmap.SHARD_COUNT = shards
	}
	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[K, V]) Load(key K) (ret V, ok bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key K, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	if m.backend.SetIfAbsent(key, value) {
		return value, false
	}
	return m.Load(key)
}

// Upsert atomically computes the new value for key from the current one while holding the shard lock.
func (m *ConcurrentMap[K, V]) Upsert(key K, fn func(exists bool, current V) V) V {
	var zero V
	return m.backend.Upsert(key, zero, func(exist bool, valueInMap V, _ V) V {
		return fn(exist, valueInMap)
	})
}

// DeleteIf removes key only when cond returns true for the current value.
func (m *ConcurrentMap[K, V]) DeleteIf(key K, cond func(V) bool) bool {
	return m.backend.RemoveCb(key, func(key K, val V, exists bool) bool {
		return exists && cond(val)
	})
}

func (m *ConcurrentMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(item.Key, item.Val)
		}
		// iterate over all items to drain the channel
	}
}

func (m *ConcurrentMap[K, V]) Keys() []K {
	return m.backend.Keys()
}

func (m *ConcurrentMap[K, V]) Store(key K, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[K, V]) Clear() {
	m.backend.Clear()
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}
