package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// TTLCache is a bounded in-process cache with per-entry TTL and LRU
// eviction. It replaces the hidden module-level maps the previous clients
// kept: it is constructed explicitly, injected into services, and carries
// its own clock so tests can control expiry deterministically.
type TTLCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	now        func() time.Time
}

type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

// New constructs a TTLCache bounded to maxEntries.
func New(maxEntries int) *TTLCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &TTLCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (c *TTLCache) WithClock(clock func() time.Time) {
	if clock != nil {
		c.now = clock
	}
}

// Get returns the cached value if present and unexpired.
func (c *TTLCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}

	e := el.Value.(*entry)
	if !e.expiresAt.After(c.now()) {
		c.removeLocked(el)
		return "", false
	}

	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores the value with the given TTL, evicting the least recently used
// entry when the bound is reached.
func (c *TTLCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = el
}

// Delete removes a single entry.
func (c *TTLCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// DeletePrefix removes every entry whose key starts with prefix. Used to
// invalidate all cached artifacts for a user on logout or password change.
func (c *TTLCache) DeletePrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
		}
	}
}

// Len reports the number of live entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTLCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
}
