package utils

import (
	"container/list"
	"sync"
)

// LRUCache is an LRU cache. It is safe for concurrent access.
type LRUCache[K comparable, V any] struct {
	mu sync.Mutex
	// maxEntries is the maximum number of cache entries before an item is
	// evicted. Zero means no limit.
	maxEntries int

	ll    *list.List
	cache map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache creates a new LRUCache bounded to maxEntries.
func NewLRUCache[K comparable, V any](maxEntries int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[K]*list.Element),
	}
}

// Add adds a value to the cache, evicting the oldest entry when full.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ee, ok := c.cache[key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value.(*lruEntry[K, V]).value = value
		return
	}
	c.cache[key] = c.ll.PushFront(&lruEntry[K, V]{key, value})
	if c.maxEntries != 0 && c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
	}
}

// Get looks up a key's value from the cache.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*lruEntry[K, V]).value, true
	}
	return
}

// Remove removes the provided key from the cache.
func (c *LRUCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.removeElement(ele)
	}
}

func (c *LRUCache[K, V]) removeElement(e *list.Element) {
	c.ll.Remove(e)
	delete(c.cache, e.Value.(*lruEntry[K, V]).key)
}

// Len returns the number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Clear purges all stored items from the cache.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.cache = make(map[K]*list.Element)
}
