// ABOUTME: Thread-safe TTL cache mapping client request keys to persisted message ids.
// ABOUTME: Lets a sender retry a send without the message being stored twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status describes what Claim found for a key.
type Status int

const (
	// StatusNew means the key was unknown and is now claimed by the caller.
	StatusNew Status = iota
	// StatusPending means another caller holds the claim and has not finished.
	StatusPending
	// StatusDone means the key completed earlier; Claim returns its message id.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// cacheEntry stores the claim state and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	messageID int64
	done      bool
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited map from request keys
// to message ids. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// liveLocked returns the unexpired entry for key. Must be called with mu held.
func (c *Cache) liveLocked(key string) (*cacheEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.removeLocked(key, entry)
		return nil, false
	}
	return entry, true
}

// Claim atomically checks a key and claims it if unknown. When the key
// already completed, the stored message id is returned with StatusDone.
// Doing this in one step prevents two concurrent retries from both persisting.
func (c *Cache) Claim(key string) (int64, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.liveLocked(key); ok {
		if entry.done {
			return entry.messageID, StatusDone
		}
		return 0, StatusPending
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{timestamp: c.now(), element: elem}
	return 0, StatusNew
}

// Complete records the message id for a claimed key.
func (c *Cache) Complete(key string, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		elem := c.order.PushBack(key)
		entry = &cacheEntry{element: elem}
		c.entries[key] = entry
	}
	entry.timestamp = c.now()
	entry.messageID = messageID
	entry.done = true
	c.order.MoveToBack(entry.element)
}

// Release drops a claim so the key can be retried, e.g. after a failed write.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.removeLocked(key, entry)
	}
}

// Lookup returns the message id recorded for a completed key.
func (c *Cache) Lookup(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(key)
	if !ok || !entry.done {
		return 0, false
	}
	return entry.messageID, true
}

// Len returns the number of entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
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

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
