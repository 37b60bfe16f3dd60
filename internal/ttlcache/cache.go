// ABOUTME: Generic thread-safe TTL cache with size bound and background sweeping.
// ABOUTME: Used for rate-limit buckets and retired session ID tracking.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired entries are swept when
// New is given a non-positive interval.
const DefaultCleanupInterval = time.Minute

// entry stores the value, last-touch time and list element for a key.
type entry[K comparable, V any] struct {
	key     K
	value   V
	touched time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map. An entry expires when
// it has not been touched for ttl. Uses a doubly-linked list to maintain touch
// order for O(1) eviction.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[K, V]
	order   *list.List // touch order, least recently touched at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A maxSize of zero
// means unbounded. A background goroutine removes expired entries every
// cleanupInterval.
func New[K comparable, V any](ttl time.Duration, maxSize int, cleanupInterval time.Duration) *Cache[K, V] {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	c := &Cache[K, V]{
		items:   make(map[K]*entry[K, V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(cleanupInterval)
	return c
}

// Get returns the value for key if present and not expired. It does not
// refresh the entry.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.expired(e, c.now()) {
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present and not expired.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Put stores value under key and refreshes its TTL. If the cache is at
// capacity, the least recently touched entry is evicted to make room.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, c.now())
}

// GetOrCreate atomically returns the live value for key, refreshing its TTL,
// or stores and returns the result of create when the key is absent or expired.
// create is called with the cache lock held and must not call back into the cache.
//
// Unlike Put, GetOrCreate never evicts a live entry. When the cache is full it
// drops expired entries, and if none remain it returns false without calling
// create.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok {
		if !c.expired(e, now) {
			e.touched = now
			c.order.MoveToBack(e.element)
			return e.value, true
		}
		c.order.Remove(e.element)
		delete(c.items, key)
	}

	if c.full() {
		c.removeExpiredLocked(now)
		if c.full() {
			var zero V
			return zero, false
		}
	}

	v := create()
	c.putLocked(key, v, now)
	return v, true
}

// NextExpiry returns how long until the least recently touched entry
// expires. It returns zero for an empty cache or one without a TTL.
func (c *Cache[K, V]) NextExpiry() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	front := c.order.Front()
	if front == nil || c.ttl <= 0 {
		return 0
	}
	e, _ := front.Value.(*entry[K, V])
	left := c.ttl - c.now().Sub(e.touched)
	if left < 0 {
		return 0
	}
	return left
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, including expired entries that
// have not been swept yet.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// putLocked is the internal put implementation. Must be called with mu held.
func (c *Cache[K, V]) putLocked(key K, value V, now time.Time) {
	if e, exists := c.items[key]; exists {
		e.value = value
		e.touched = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.full() {
		c.evictOldest()
	}

	e := &entry[K, V]{key: key, value: value, touched: now}
	e.element = c.order.PushBack(e)
	c.items[key] = e
}

func (c *Cache[K, V]) full() bool {
	return c.maxSize > 0 && len(c.items) >= c.maxSize
}

func (c *Cache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.touched) >= c.ttl
}

// evictOldest removes the least recently touched entry.
// Must be called with mu held.
func (c *Cache[K, V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	e, _ := front.Value.(*entry[K, V])
	c.order.Remove(front)
	delete(c.items, e.key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[K, V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeExpiredLocked(c.now())
}

// removeExpiredLocked removes all expired entries. Touch order means expired
// entries are always at the front of the list. Must be called with mu held.
func (c *Cache[K, V]) removeExpiredLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[K, V])
		if !c.expired(e, now) {
			return
		}
		c.order.Remove(front)
		delete(c.items, e.key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
