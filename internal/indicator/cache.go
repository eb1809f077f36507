package indicator

import (
	"sync"

	"github.com/shopspring/decimal"
)

type cacheKey struct {
	token int64
	key   string
}

// Cache holds the latest indicator values keyed by (instrument, key).
// Writers are the engine's bar-close recompute; readers are strategies and
// query surfaces on their own goroutines.
type Cache struct {
	mu     sync.RWMutex
	values map[cacheKey]decimal.Decimal
}

func NewCache() *Cache {
	return &Cache{values: make(map[cacheKey]decimal.Decimal)}
}

// Get returns the cached value for one instrument and indicator key.
func (c *Cache) Get(token int64, key string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[cacheKey{token: token, key: key}]
	return v, ok
}

// Put stores one value.
func (c *Cache) Put(token int64, key string, value decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[cacheKey{token: token, key: key}] = value
}

// PutAll stores a batch of values for one instrument.
func (c *Cache) PutAll(token int64, values map[string]decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[cacheKey{token: token, key: k}] = v
	}
}

// Snapshot returns a copy of every cached value for one instrument.
func (c *Cache) Snapshot(token int64) map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for k, v := range c.values {
		if k.token == token {
			out[k.key] = v
		}
	}
	return out
}

// Clear drops every value for one instrument, used when an instrument is
// deactivated.
func (c *Cache) Clear(token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.values {
		if k.token == token {
			delete(c.values, k)
		}
	}
}
