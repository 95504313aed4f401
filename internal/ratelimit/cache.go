package ratelimit

import (
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
)

// counterCache adapts the in-process TTL cache to the error-returning Cache
// surface. The in-process cache cannot fail, so every error is nil; the
// interface exists so the limiter's fail-open path stays honest if the
// backend is ever swapped for a networked one.
type counterCache struct {
	cc *store.CounterCache
}

// WrapCounterCache exposes a store.CounterCache as a limiter Cache.
func WrapCounterCache(cc *store.CounterCache) Cache {
	return &counterCache{cc: cc}
}

func (c *counterCache) GetCounter(key string) (int64, error) {
	return c.cc.GetCounter(key), nil
}

func (c *counterCache) Increment(key string, ttl time.Duration) (int64, error) {
	return c.cc.Increment(key, ttl), nil
}

func (c *counterCache) Get(key string) (any, bool, error) {
	value, ok := c.cc.Get(key)
	return value, ok, nil
}

func (c *counterCache) Set(key string, value any, ttl time.Duration) error {
	c.cc.Set(key, value, ttl)
	return nil
}

func (c *counterCache) Delete(key string) error {
	c.cc.Delete(key)
	return nil
}

func (c *counterCache) ExpiresAt(key string) (time.Time, bool, error) {
	expiry, ok := c.cc.ExpiresAt(key)
	return expiry, ok, nil
}
