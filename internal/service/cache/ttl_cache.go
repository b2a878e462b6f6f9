package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ BytesCache = (*TTLCache)(nil)

// Entry is one cached value with the time it was stored and its lifetime.
type Entry struct {
	Data      any
	Timestamp time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at now. Zero TTL never expires.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.Timestamp) > e.TTL
}

type TTLCache struct {
	mu  sync.RWMutex
	m   map[string]Entry
	now func() time.Time
}

type TTLOption func(*TTLCache)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) TTLOption {
	return func(c *TTLCache) { c.now = now }
}

func NewTTLCache(opts ...TTLOption) *TTLCache {
	c := &TTLCache{m: make(map[string]Entry), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a live value. Expired entries are evicted lazily here.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.Expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.m[key]; ok && cur.Timestamp.Equal(e.Timestamp) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.Data, true
}

func (c *TTLCache) Set(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	c.m[key] = Entry{Data: v, Timestamp: c.now(), TTL: ttl}
	c.mu.Unlock()
}

// ClearPattern removes entries whose key contains substr. Empty substr clears everything.
// Returns the number of removed entries.
func (c *TTLCache) ClearPattern(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if substr == "" {
		n := len(c.m)
		c.m = make(map[string]Entry)
		return n
	}
	n := 0
	for k := range c.m {
		if strings.Contains(k, substr) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *TTLCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.Get(key); ok {
		if b, ok2 := v.([]byte); ok2 {
			return b, true, nil
		}
	}
	return nil, false, nil
}

func (c *TTLCache) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.Set(key, value, ttl)
	return nil
}

func (c *TTLCache) DeleteMatching(_ context.Context, substr string) error {
	c.ClearPattern(substr)
	return nil
}
