package store

import (
	"sync"
	"time"
)

// CounterCache is the shared TTL cache behind rate limiting: request-window
// counters, violation counters and IP block records. Increment is the sole
// mutation path for counters so a check-then-increment race cannot overshoot
// the limit.
type CounterCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type cacheEntry struct {
	value     any
	counter   int64
	expiresAt time.Time
}

// NewCounterCache creates a counter cache with a background sweep.
func NewCounterCache() *CounterCache {
	c := &CounterCache{
		entries:  make(map[string]cacheEntry),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	go c.cleanup()
	return c
}

// Get returns the stored value and whether it is present and unexpired.
func (c *CounterCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// GetCounter returns the current counter value for key, zero if absent.
func (c *CounterCache) GetCounter(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return 0
	}
	return entry.counter
}

// Set stores a value with a TTL.
func (c *CounterCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Increment atomically increments the counter at key and returns the new
// value. A fresh or expired key starts a new window: the counter resets to 1
// and the TTL restarts. An existing key keeps its original expiry so the
// window length stays fixed.
func (c *CounterCache) Increment(key string, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		c.entries[key] = cacheEntry{counter: 1, expiresAt: now.Add(ttl)}
		return 1
	}
	entry.counter++
	c.entries[key] = entry
	return entry.counter
}

// Delete removes a key.
func (c *CounterCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ExpiresAt returns the expiry of key if present.
func (c *CounterCache) ExpiresAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// Stop terminates the background sweep goroutine.
func (c *CounterCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// SetNowFunc overrides the clock. Tests only.
func (c *CounterCache) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *CounterCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
