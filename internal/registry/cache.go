package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/pushreg/internal/metrics"
	"github.com/lalithlochan/pushreg/internal/subscription"
)

// Loader reads all subscriptions of one user from the store.
type Loader func(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error)

type cacheKey struct {
	userID    int
	contextID int
}

// generationStripes bounds the memory spent on per-key generations. Keys
// sharing a stripe only cost each other a redundant reload.
const generationStripes = 1024

func (k cacheKey) stripe() int {
	return int((uint(k.userID)*31 + uint(k.contextID)) % generationStripes)
}

type cacheEntry struct {
	coll   *InterestCollection
	loaded time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// CacheTTL bounds how long a collection is served before it is reloaded.
// Zero keeps collections until they are invalidated.
func CacheTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = d }
}

// CacheClock overrides the time source used for the TTL.
func CacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// Cache keeps one InterestCollection per (user, context), built lazily from
// the store and dropped on every write that touches it.
//
// Collections are immutable and swapped as a whole. Invalidating a key bumps
// the generation of its stripe, and Clear bumps a separate counter. A load
// that sees either value change after publishing its collection withdraws it
// again, so a load racing a write never leaves a stale collection behind.
// Writes to unrelated keys leave in-flight loads alone.
type Cache struct {
	load        Loader
	collections sync.Map // cacheKey -> *cacheEntry
	generations [generationStripes]atomic.Uint64
	clears      atomic.Uint64
	ttl         time.Duration
	now         func() time.Time
	group       singleflight.Group
	logger      *zap.Logger
}

// NewCache creates an empty cache that fills itself through load.
func NewCache(load Loader, logger *zap.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		load:   load,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) fresh(e *cacheEntry) bool {
	return c.ttl <= 0 || c.now().Sub(e.loaded) < c.ttl
}

// CollectionFor returns the collection of a user, loading it on a miss.
// Concurrent misses for the same key and generation share a single load.
func (c *Cache) CollectionFor(ctx context.Context, userID, contextID int) (*InterestCollection, error) {
	key := cacheKey{userID: userID, contextID: contextID}
	if v, ok := c.collections.Load(key); ok {
		e := v.(*cacheEntry)
		if c.fresh(e) {
			metrics.RecordCacheHit()
			return e.coll, nil
		}
		c.collections.CompareAndDelete(key, e)
		metrics.RecordCacheInvalidation("expired")
	}
	metrics.RecordCacheMiss()

	gen := &c.generations[key.stripe()]
	g, cleared := gen.Load(), c.clears.Load()
	flight := fmt.Sprintf("%d/%d/%d/%d", contextID, userID, g, cleared)
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		loaded := c.now()
		subs, err := c.load(ctx, userID, contextID)
		if err != nil {
			return nil, err
		}
		e := &cacheEntry{coll: NewInterestCollection(userID, contextID, subs), loaded: loaded}
		c.collections.Store(key, e)
		if gen.Load() != g || c.clears.Load() != cleared {
			c.collections.CompareAndDelete(key, e)
		}
		return e.coll, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load collection for user %d in context %d: %w", userID, contextID, err)
	}
	return v.(*InterestCollection), nil
}

// AddAndInvalidateIfPresent drops the collection the new subscription belongs to.
func (c *Cache) AddAndInvalidateIfPresent(sub *subscription.Subscription) {
	c.DropFor(sub.UserID, sub.ContextID)
}

// RemoveAndInvalidateIfPresent drops the collection the removed subscription belonged to.
func (c *Cache) RemoveAndInvalidateIfPresent(sub *subscription.Subscription) {
	c.DropFor(sub.UserID, sub.ContextID)
}

// DropFor drops the collection of one user.
func (c *Cache) DropFor(userID, contextID int) {
	key := cacheKey{userID: userID, contextID: contextID}
	c.generations[key.stripe()].Add(1)
	c.collections.Delete(key)
	metrics.RecordCacheInvalidation("key")
	c.logger.Debug("dropped cached collection",
		zap.Int("user_id", userID),
		zap.Int("context_id", contextID),
	)
}

// Clear drops every collection.
func (c *Cache) Clear() {
	c.clears.Add(1)
	c.collections.Clear()
	metrics.RecordCacheInvalidation("all")
	c.logger.Debug("cleared subscription cache")
}

// Cached reports whether a collection is currently held for the user.
func (c *Cache) Cached(userID, contextID int) bool {
	_, ok := c.collections.Load(cacheKey{userID: userID, contextID: contextID})
	return ok
}

// Len returns the number of cached collections.
func (c *Cache) Len() int {
	n := 0
	c.collections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
