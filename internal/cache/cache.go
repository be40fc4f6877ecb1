// Package cache provides the process-wide TTL cache that sits in front of
// survey definitions, response sets and completion status.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = 5 * time.Minute

// DefinitionKey returns the cache key of a survey definition.
func DefinitionKey(surveyType string) string {
	return "definition:" + surveyType
}

// ResponsesKey returns the cache key of a client's response set.
func ResponsesKey(clientID, surveyType string) string {
	return "responses:" + clientID + ":" + surveyType
}

// StatusKey returns the cache key of a client's completion status.
func StatusKey(clientID, surveyType string) string {
	return "status:" + clientID + ":" + surveyType
}

// TTLCache is a goroutine-safe key/value cache whose entries expire a fixed
// time after they were stored. Size is unbounded; entries leave only by
// expiry, Delete or Clear.
type TTLCache struct {
	lru     *expirable.LRU[string, any]
	group   singleflight.Group
	metrics *observability.Metrics
}

// Option configures a TTLCache.
type Option func(*TTLCache)

// WithMetrics records hits and misses per key family.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *TTLCache) { c.metrics = m }
}

// New creates a TTLCache. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &TTLCache{
		lru: expirable.NewLRU[string, any](0, nil, ttl),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key, replacing any previous entry and restarting
// its lifetime.
func (c *TTLCache) Set(key string, value any) {
	c.lru.Add(key, value)
}

// Get returns the live value stored under key.
func (c *TTLCache) Get(key string) (any, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.metrics.RecordCacheHit(family(key))
	} else {
		c.metrics.RecordCacheMiss(family(key))
	}
	return v, ok
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *TTLCache) Delete(key string) {
	c.lru.Remove(key)
}

// Clear removes every entry.
func (c *TTLCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *TTLCache) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Concurrent loads of the same key share one call. Errors are not
// cached.
//
// The shared load runs detached from any single caller's cancellation, so a
// caller that gives up sees ABORTED while the others still get the result.
func (c *TTLCache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another caller may have filled the entry while this one waited.
		if v, ok := c.lru.Peek(key); ok {
			return v, nil
		}
		v, err := load(shared)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, model.NewAbortedError()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Typed is a typed view over a TTLCache for one key family.
type Typed[V any] struct {
	cache *TTLCache
}

// NewTyped returns a typed view over c.
func NewTyped[V any](c *TTLCache) Typed[V] {
	return Typed[V]{cache: c}
}

// Get returns the value under key if it is live and of type V.
func (t Typed[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := t.cache.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set stores value under key.
func (t Typed[V]) Set(key string, value V) {
	t.cache.Set(key, value)
}

// GetOrLoad is the typed form of TTLCache.GetOrLoad.
func (t Typed[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	var zero V
	v, err := t.cache.GetOrLoad(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(V)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

func family(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
