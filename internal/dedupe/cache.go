// ABOUTME: Thread-safe TTL cache for deduplicating replayed send requests
// ABOUTME: Keys are sender|conversation|client_ref triples; storage holds the authoritative unique index

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Key builds the cache key for a send request from its dedupe triple.
func Key(senderID, conversationID, clientRef string) string {
	return strings.Join([]string{senderID, conversationID, clientRef}, "|")
}

// entry stores the timestamp and list element for a cached key.
type entry struct {
	stamp   time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded record of recently
// processed send refs. It is a fast path only: the storage layer's unique
// index remains the authority, so an eviction can never cause a duplicate
// row, just a slower rejection.
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size. A
// background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark atomically checks whether a key has been seen and marks it
// if not. Returns true for a duplicate, false for a new key now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.keys[key]
	if ok && time.Since(e.stamp) < c.ttl {
		return true
	}
	c.mark(key)
	return false
}

// mark records a key. Must be called with mu held.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, exists := c.keys[key]; exists {
		e.stamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.keys) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			evicted, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.keys, evicted)
		}
	}

	c.keys[key] = &entry{
		stamp:   now,
		element: c.order.PushBack(key),
	}
}

// sweep periodically removes expired entries until Close.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.keys {
				if now.Sub(e.stamp) > c.ttl {
					c.order.Remove(e.element)
					delete(c.keys, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
