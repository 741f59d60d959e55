package cache

import "sync"

// MapCache is an unbounded, mutex-guarded map. There is no TTL and no
// eviction; validity is decided by the caller.
type MapCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

var _ Cache[int] = (*MapCache[int])(nil)

func NewMapCache[T any]() *MapCache[T] {
	return &MapCache[T]{items: make(map[string]T)}
}

func (c *MapCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *MapCache[T]) Set(key string, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
}

func (c *MapCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *MapCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T)
}

func (c *MapCache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
