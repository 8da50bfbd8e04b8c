/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-router/pkg/metrics"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

type CacheOptions struct {
	Provider Provider
	Logger   *zap.Logger

	// TTL bounds how long an entry is served without consulting the
	// provider.  Defaults to 60s.
	TTL time.Duration

	// RetryInterval suppresses repeated refreshes of a maybe-stale entry
	// whose last refresh returned an unchanged version.  Defaults to 3s.
	RetryInterval time.Duration

	// Stripes is the number of refresh locks.  Defaults to 16.
	Stripes int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type cacheEntry struct {
	collection *Collection
	fetchedAt  time.Time
	maybeStale atomic.Bool

	// retriedAt is the unix-nano time of the last refresh which found the
	// store unchanged while the entry was flagged, 0 when none happened.
	retriedAt atomic.Int64
}

func (e *cacheEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.fetchedAt) > ttl
}

func (e *cacheEntry) shouldRetry(now time.Time, interval time.Duration) bool {
	if !e.maybeStale.Load() {
		return false
	}
	retriedAt := e.retriedAt.Load()
	if retriedAt == 0 {
		return true
	}
	return now.Sub(time.Unix(0, retriedAt)) > interval
}

// Cache is a TTL cache of collection topology sitting in front of a
// Provider.  Lookups for a collection that needs refreshing are serialised
// on a striped lock so concurrent callers share a single provider read.
type Cache struct {
	provider      Provider
	logger        *zap.Logger
	metrics       *metrics.RouterMetrics
	ttl           time.Duration
	retryInterval time.Duration
	now           func() time.Time

	entries sync.Map
	stripes []sync.Mutex
}

func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Provider == nil {
		return nil, errors.New("topology provider is required")
	}

	c := &Cache{
		provider:      opts.Provider,
		logger:        opts.Logger,
		metrics:       metrics.GetRouterMetrics(),
		ttl:           opts.TTL,
		retryInterval: opts.RetryInterval,
		now:           opts.Now,
	}

	err := c.init(opts.Stripes)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cache) init(stripes int) error {
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.ttl <= 0 {
		c.ttl = 60 * time.Second
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 3 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if stripes <= 0 {
		stripes = 16
	}
	c.stripes = make([]sync.Mutex, stripes)

	return nil
}

func (c *Cache) stripeFor(name string) *sync.Mutex {
	return &c.stripes[murmur3.StringSum32(name)%uint32(len(c.stripes))]
}

func (c *Cache) loadEntry(name string) *cacheEntry {
	entryI, ok := c.entries.Load(name)
	if !ok {
		return nil
	}
	return entryI.(*cacheEntry)
}

func (c *Cache) usable(entry *cacheEntry, minVersion int64, now time.Time) bool {
	if entry == nil {
		return false
	}
	if entry.isExpired(now, c.ttl) {
		return false
	}
	if entry.collection.Version < minVersion {
		return false
	}
	return !entry.shouldRetry(now, c.retryInterval)
}

// Get returns the topology of the named collection, refreshing it from the
// provider when the cached entry is missing, expired, older than minVersion,
// or flagged maybe-stale.  At most one provider read is issued per call.
func (c *Cache) Get(ctx context.Context, name string, minVersion int64) (*Collection, error) {
	entry := c.loadEntry(name)
	if c.usable(entry, minVersion, c.now()) {
		c.metrics.TopologyCacheHits.Add(ctx, 1)
		return entry.collection, nil
	}

	stripe := c.stripeFor(name)
	stripe.Lock()
	defer stripe.Unlock()

	// another caller may have refreshed the entry while we waited
	entry = c.loadEntry(name)
	if c.usable(entry, minVersion, c.now()) {
		c.metrics.TopologyCacheHits.Add(ctx, 1)
		return entry.collection, nil
	}

	return c.refreshLocked(ctx, name, entry)
}

func (c *Cache) refreshLocked(ctx context.Context, name string, existing *cacheEntry) (*Collection, error) {
	c.metrics.TopologyCacheRefreshes.Add(ctx, 1)

	fetched, err := c.provider.FetchCollection(ctx, name)
	if errors.Is(err, ErrCollectionNotFound) {
		c.entries.Delete(name)
		c.logger.Debug("collection not found, dropped cached topology",
			zap.String("collection", name))
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	now := c.now()

	if existing != nil && fetched.Version < existing.collection.Version {
		c.logger.Debug("ignoring topology older than cached",
			zap.String("collection", name),
			zap.Int64("cachedVersion", existing.collection.Version),
			zap.Int64("fetchedVersion", fetched.Version))
		fetched = existing.collection
	}

	newEntry := &cacheEntry{
		collection: fetched,
		fetchedAt:  now,
	}
	if existing != nil && existing.maybeStale.Load() && existing.collection.SameState(fetched) {
		// the store has nothing newer yet, keep the flag but hold off
		// further refreshes for the retry interval
		newEntry.maybeStale.Store(true)
		newEntry.retriedAt.Store(now.UnixNano())
	}

	c.entries.Store(name, newEntry)

	c.logger.Debug("refreshed collection topology",
		zap.String("collection", name),
		zap.Int64("version", fetched.Version))

	return fetched, nil
}

// Peek returns the cached topology without consulting the provider.
func (c *Cache) Peek(name string) (*Collection, bool) {
	entry := c.loadEntry(name)
	if entry == nil {
		return nil, false
	}
	return entry.collection, true
}

// MarkMaybeStale flags the entry so the next lookup refreshes it.  Returns
// false when nothing is cached for name.
func (c *Cache) MarkMaybeStale(name string) bool {
	entry := c.loadEntry(name)
	if entry == nil {
		return false
	}
	entry.maybeStale.Store(true)
	c.metrics.TopologyStaleMarks.Add(context.Background(), 1)
	return true
}

func (c *Cache) Invalidate(name string) {
	c.entries.Delete(name)
}

func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}
