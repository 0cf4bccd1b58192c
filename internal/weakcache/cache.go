// Package weakcache provides a map whose values are held through weak
// pointers, so the cache never keeps a value alive on its own.
package weakcache

import (
	"sync"
	"weak"
)

// DefaultSweepThreshold is the map size above which TryGet sweeps reclaimed slots.
const DefaultSweepThreshold = 64

// Cache maps keys to weakly held values. It is safe for concurrent use.
//
// There is no eviction policy: a value disappears once nothing outside the
// cache references it and the garbage collector reclaims it. Reclaimed slots
// are removed lazily by a sweep that runs when the map grows past the
// threshold.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	items     map[K]weak.Pointer[V]
	threshold int
}

// New creates an empty cache. A threshold <= 0 selects DefaultSweepThreshold.
func New[K comparable, V any](threshold int) *Cache[K, V] {
	if threshold <= 0 {
		threshold = DefaultSweepThreshold
	}
	return &Cache[K, V]{
		items:     make(map[K]weak.Pointer[V]),
		threshold: threshold,
	}
}

// Add stores v under key, replacing any prior value.
func (c *Cache[K, V]) Add(key K, v *V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = weak.Make(v)
}

// TryGet returns the live value for key, or false if it is absent or has
// been reclaimed.
func (c *Cache[K, V]) TryGet(key K) (*V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) > c.threshold {
		c.sweepLocked()
	}
	wp, ok := c.items[key]
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil {
		delete(c.items, key)
		return nil, false
	}
	return v, true
}

// Remove drops key from the cache. Removing a missing key is a no-op.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// RemoveIf drops key only if it still maps to v.
func (c *Cache[K, V]) RemoveIf(key K, v *V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wp, ok := c.items[key]; ok && wp.Value() == v {
		delete(c.items, key)
	}
}

// Live returns a snapshot of every value that is still reachable.
func (c *Cache[K, V]) Live() []*V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*V, 0, len(c.items))
	for key, wp := range c.items {
		if v := wp.Value(); v != nil {
			out = append(out, v)
		} else {
			delete(c.items, key)
		}
	}
	return out
}

// Len returns the number of slots, including reclaimed ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep removes reclaimed slots and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

func (c *Cache[K, V]) sweepLocked() int {
	removed := 0
	for key, wp := range c.items {
		if wp.Value() == nil {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}
