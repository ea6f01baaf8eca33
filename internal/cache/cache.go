// Package cache provides in-memory TTL memoization for API responses and job
// results.
package cache

import (
	"container/list"
	"net/url"
	"slices"
	"sync"
	"time"
)

// DefaultTTL is the duration after which cached entries are considered stale.
const DefaultTTL = time.Hour

type entry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// TTL is a concurrency-safe cache whose entries expire lazily on read.
// An optional capacity bound evicts the least recently used entry.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	items map[K]*list.Element
	order *list.List // front = most recently used
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithMaxEntries bounds the cache size. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxEntries = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option) *TTL[K, V] {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		ttl:        o.ttl,
		maxEntries: o.maxEntries,
		now:        o.now,
		items:      make(map[K]*list.Element),
		order:      list.New(),
	}
}

// Get returns the value stored under key if it is still fresh.
// Stale entries are removed.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.removeElement(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Put stores value under key, replacing any previous entry.
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.storedAt = now
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value, storedAt: now})
	c.items[key] = el

	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeElement(c.order.Back())
	}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of stored entries, including stale ones not yet read.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

func (c *TTL[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(c.items, e.key)
	c.order.Remove(el)
}

// Key builds a canonical cache key for endpoint and params. The key does not
// depend on the order in which params were added.
func Key(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	sorted := make(url.Values, len(params))
	for k, vs := range params {
		cp := slices.Clone(vs)
		slices.Sort(cp)
		sorted[k] = cp
	}
	return endpoint + "?" + sorted.Encode()
}
