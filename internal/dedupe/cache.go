// ABOUTME: Thread-safe, size-bounded TTL set of recently seen keys.
// ABOUTME: The correlation table records finished request IDs here to classify late replies.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is the bookkeeping for one remembered key.
type entry struct {
	key     string
	expires time.Time
	element *list.Element
}

// Cache remembers keys for a fixed TTL. When full, the oldest key is
// forgotten first. Insertion order lives in a doubly-linked list so
// eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache whose keys live for ttl, holding at most maxSize keys.
// A background goroutine sweeps expired keys until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

// sweepInterval picks how often expired keys are collected.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Seen reports whether key was marked and has not yet expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.now().Before(e.expires)
}

// Mark remembers key for one TTL, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// markLocked is Mark without locking. Caller holds mu.
func (c *Cache) markLocked(key string) {
	expires := c.now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.expires = expires
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e := &entry{key: key, expires: expires}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// MarkIfNew marks key and reports whether it was absent (or expired) before.
func (c *Cache) MarkIfNew(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	fresh := !ok || !c.now().Before(e.expires)
	c.markLocked(key)
	return fresh
}

// Forget drops key so the next MarkIfNew for it reports true.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked drops the front of the order list. Caller holds mu.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired keys. Entries are ordered by last mark, so the
// walk stops at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Before(e.expires) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
