package service

import (
	"sync"
	"time"
)

// entityCache holds the last confirmed provider view of each entity.
// Writes are last-writer-wins by the provider's freshness stamp, so a slow
// response can never overwrite a newer one.
type entityCache[K comparable, V any] struct {
	mu        sync.RWMutex
	entries   map[K]V
	freshness func(V) time.Time
}

func newEntityCache[K comparable, V any](freshness func(V) time.Time) *entityCache[K, V] {
	return &entityCache[K, V]{
		entries:   make(map[K]V),
		freshness: freshness,
	}
}

func (c *entityCache[K, V]) get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// put stores v unless the cached value is strictly fresher, and returns the
// value the cache holds afterwards.
func (c *entityCache[K, V]) put(key K, v V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.entries[key]; ok && c.freshness(current).After(c.freshness(v)) {
		return current, false
	}
	c.entries[key] = v
	return v, true
}

func (c *entityCache[K, V]) values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]V, 0, len(c.entries))
	for _, v := range c.entries {
		out = append(out, v)
	}
	return out
}

// keyedMutex serializes work per entity while letting different entities proceed.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: make(map[K]*refMutex)}
}

// lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex[K]) lock(key K) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
