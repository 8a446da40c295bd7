package metadata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/telemetry"
)

const (
	defaultCapacity     = 256
	defaultFetchLimit   = 8
	defaultFetchTimeout = 10 * time.Second
)

// Fetcher is the outbound collaborator the cache shields round
// generation from. Fetch failures must carry CodeFetchTransient for
// retryable conditions (rate limits, timeouts) and CodeFetchHard for
// everything else.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (domain.Metadata, error)
	Catalog(ctx context.Context, tier domain.Tier) ([]string, error)
}

// RetryConfig bounds the retry loop around transient fetch failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

type Config struct {
	Fetcher Fetcher
	// Capacity is the fixed number of entries held before eviction.
	Capacity int
	// MaxConcurrentFetches caps outbound fetches across all keys.
	// Additional callers wait for a free slot.
	MaxConcurrentFetches int64
	// FetchTimeout bounds a single fetch attempt. Must be shorter
	// than the round answer window so a slow source cannot stall a
	// round past its own deadline.
	FetchTimeout time.Duration
	Retry        RetryConfig
	Metrics      *telemetry.Metrics

	// Now is used by tests to control access timestamps.
	Now func() time.Time
}

type entry struct {
	value      domain.Metadata
	hits       int
	lastAccess time.Time
}

// Cache is a fixed-capacity metadata store with hit-weighted
// eviction: when full, the entry with the lowest hit count goes
// first, oldest access breaking ties. A key has at most one in-flight
// fetch at any time; concurrent callers for the same key share the
// result. Failures are never cached.
type Cache struct {
	fetcher      Fetcher
	capacity     int
	fetchTimeout time.Duration
	retry        RetryConfig
	metrics      *telemetry.Metrics
	now          func() time.Time

	group singleflight.Group
	sem   *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCache(c Config) *Cache {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = defaultFetchLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Cache{
		fetcher:      c.Fetcher,
		capacity:     c.Capacity,
		fetchTimeout: c.FetchTimeout,
		retry:        c.Retry.withDefaults(),
		metrics:      c.Metrics,
		now:          c.Now,
		sem:          semaphore.NewWeighted(c.MaxConcurrentFetches),
		entries:      make(map[string]*entry, c.Capacity),
	}
}

// Get returns the cached record for key, fetching it on a miss.
// Concurrent callers for the same missing key trigger exactly one
// outbound fetch; callers for different keys proceed independently up
// to the configured fetch limit.
func (c *Cache) Get(ctx context.Context, key string) (domain.Metadata, error) {
	if m, ok := c.lookup(key); ok {
		c.metrics.CacheHit()
		return m, nil
	}

	c.metrics.CacheMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry between the miss
		// and winning the flight.
		if m, ok := c.lookup(key); ok {
			return m, nil
		}

		m, err := c.fetch(ctx, key)
		if err != nil {
			return domain.Metadata{}, err
		}

		c.insert(key, m)
		return m, nil
	})
	if err != nil {
		return domain.Metadata{}, err
	}

	return v.(domain.Metadata), nil
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (domain.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Metadata{}, false
	}

	e.hits++
	e.lastAccess = c.now()
	return e.value, true
}

func (c *Cache) insert(key string, m domain.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	c.entries[key] = &entry{value: m, lastAccess: c.now()}
}

// evictLocked removes the entry with the lowest hit count, breaking
// ties by oldest access.
func (c *Cache) evictLocked() {
	var (
		victim string
		found  bool
	)
	for k, e := range c.entries {
		if !found {
			victim, found = k, true
			continue
		}
		v := c.entries[victim]
		if e.hits < v.hits || (e.hits == v.hits && e.lastAccess.Before(v.lastAccess)) {
			victim = k
		}
	}

	if found {
		delete(c.entries, victim)
		c.metrics.CacheEviction()
	}
}

// fetch performs one outbound fetch with bounded retry on transient
// failures. The semaphore provides backpressure across keys.
func (c *Cache) fetch(ctx context.Context, key string) (domain.Metadata, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return domain.Metadata{}, errors.New(errors.CodeFetchTransient,
			errors.WithMessagef("fetch slot for %q: %v", key, err))
	}
	defer c.sem.Release(1)

	backoff := c.retry.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		m, err := c.fetchOnce(ctx, key)
		if err == nil {
			if verr := validate(m); verr != nil {
				return domain.Metadata{}, verr
			}
			return m, nil
		}

		if !errors.Is(err, errors.CodeFetchTransient) {
			return domain.Metadata{}, err
		}

		lastErr = err
		if attempt == c.retry.MaxAttempts {
			break
		}

		c.metrics.FetchRetry()
		select {
		case <-ctx.Done():
			return domain.Metadata{}, errors.New(errors.CodeFetchTransient, errors.WithCause(ctx.Err()))
		case <-time.After(jitter(backoff)):
		}
		backoff = min(backoff*2, c.retry.MaxBackoff)
	}

	return domain.Metadata{}, errors.New(errors.CodeFetchHard,
		errors.WithMessagef("fetch %q: retries exhausted", key),
		errors.WithCause(lastErr))
}

func (c *Cache) fetchOnce(ctx context.Context, key string) (domain.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	return c.fetcher.Fetch(ctx, key)
}

// validate rejects malformed records before they can enter the cache.
// A malformed record is a hard failure for its key.
func validate(m domain.Metadata) error {
	switch {
	case m.Key == "":
		return errors.New(errors.CodeFetchHard, errors.WithMessagef("record has no key"))
	case m.Title == "":
		return errors.New(errors.CodeFetchHard, errors.WithMessagef("record %q has no title", m.Key))
	case m.ImageURL == "":
		return errors.New(errors.CodeFetchHard, errors.WithMessagef("record %q has no image", m.Key))
	case m.Tier < domain.MinTier || m.Tier > domain.MaxTier:
		return errors.New(errors.CodeFetchHard, errors.WithMessagef("record %q has tier %d out of range", m.Key, m.Tier))
	}
	return nil
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
