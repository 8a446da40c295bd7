package question

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/metadata"
)

const (
	defaultMaxRecent   = 50
	defaultCatalogTTL  = time.Hour
	defaultMaxAttempts = 10
)

type Config struct {
	Cache  *metadata.Cache
	Source metadata.Fetcher

	// MaxRecent bounds the cross-session recently-used window.
	MaxRecent int
	// CatalogTTL controls how long a tier's key catalog is reused
	// before re-listing from the source.
	CatalogTTL time.Duration
}

// Bank selects question material per difficulty tier. It never hands
// out a key in the caller's exclusion set while fresh keys remain;
// under starvation it relaxes exclusions oldest-used first instead of
// failing the round.
type Bank struct {
	cache      *metadata.Cache
	source     metadata.Fetcher
	maxRecent  int
	catalogTTL time.Duration

	mu        sync.Mutex
	catalogs  map[domain.Tier]catalog
	usedAt    map[string]time.Time
	usedOrder []string
}

type catalog struct {
	keys    []string
	fetched time.Time
}

func NewBank(c Config) *Bank {
	if c.MaxRecent <= 0 {
		c.MaxRecent = defaultMaxRecent
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = defaultCatalogTTL
	}

	return &Bank{
		cache:      c.Cache,
		source:     c.Source,
		maxRecent:  c.MaxRecent,
		catalogTTL: c.CatalogTTL,
		catalogs:   make(map[domain.Tier]catalog),
		usedAt:     make(map[string]time.Time),
	}
}

// Next returns question material of the requested tier whose key is
// not in exclude. Hard fetch failures rotate to an alternate key.
func (b *Bank) Next(ctx context.Context, exclude map[string]bool, tier domain.Tier) (domain.Metadata, error) {
	tier = tier.Clamp()

	keys, err := b.tierKeys(ctx, tier)
	if err != nil {
		return domain.Metadata{}, err
	}
	if len(keys) == 0 {
		return domain.Metadata{}, errors.New(errors.CodeCacheStarvation,
			errors.WithMessagef("no keys listed for tier %s", tier))
	}

	var (
		lastErr  error
		attempts int
	)
	for gi, group := range b.candidates(keys, exclude) {
		for len(group) > 0 && attempts < defaultMaxAttempts {
			attempts++
			// Fresh keys are drawn at random; relaxed groups are
			// consumed oldest-used first.
			i := 0
			if gi == 0 {
				i = rand.Intn(len(group))
			}
			key := group[i]
			group = append(group[:i], group[i+1:]...)

			m, err := b.cache.Get(ctx, key)
			if err != nil {
				// A bad key must not fail the round. Rotate to an
				// alternate.
				slog.WarnContext(ctx, "question: key rejected, trying alternate",
					"key", key,
					"tier", tier.String(),
					"error", err,
				)
				lastErr = err
				continue
			}

			b.markUsed(key)
			return m, nil
		}
	}

	if lastErr != nil {
		return domain.Metadata{}, errors.New(errors.CodeCacheStarvation,
			errors.WithMessagef("tier %s: all candidate keys failed", tier),
			errors.WithCause(lastErr))
	}
	return domain.Metadata{}, errors.New(errors.CodeCacheStarvation,
		errors.WithMessagef("tier %s: no candidate keys", tier))
}

// DistractorPool returns titles of the tier usable as extra
// distractors when a record's own pool runs dry.
func (b *Bank) DistractorPool(ctx context.Context, tier domain.Tier, exclude map[string]bool) []string {
	b.mu.Lock()
	cat := b.catalogs[tier.Clamp()]
	b.mu.Unlock()

	titles := make([]string, 0, 8)
	for _, key := range cat.keys {
		if exclude[key] {
			continue
		}
		m, err := b.cache.Get(ctx, key)
		if err != nil {
			continue
		}
		titles = append(titles, m.Title)
		if len(titles) >= 8 {
			break
		}
	}
	return titles
}

// candidates groups usable keys by preference: never-used fresh keys,
// then previously used keys oldest first, and as a last resort the
// exclusion set itself oldest-used first. A group is only reached
// when every key of the groups before it is excluded or failing.
func (b *Bank) candidates(keys []string, exclude map[string]bool) [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fresh, used, excluded []string
	for _, k := range keys {
		switch {
		case exclude[k]:
			excluded = append(excluded, k)
		case b.usedAt[k].IsZero():
			fresh = append(fresh, k)
		default:
			used = append(used, k)
		}
	}

	byOldestUse := func(ks []string) {
		sort.Slice(ks, func(i, j int) bool {
			return b.usedAt[ks[i]].Before(b.usedAt[ks[j]])
		})
	}
	byOldestUse(used)
	byOldestUse(excluded)

	return [][]string{fresh, used, excluded}
}

func (b *Bank) tierKeys(ctx context.Context, tier domain.Tier) ([]string, error) {
	b.mu.Lock()
	cat, ok := b.catalogs[tier]
	b.mu.Unlock()

	if ok && time.Since(cat.fetched) < b.catalogTTL && len(cat.keys) > 0 {
		return cat.keys, nil
	}

	keys, err := b.source.Catalog(ctx, tier)
	if err != nil {
		if ok && len(cat.keys) > 0 {
			// Stale catalog beats a failed round.
			slog.WarnContext(ctx, "question: catalog refresh failed, reusing stale keys",
				"tier", tier.String(),
				"error", err,
			)
			return cat.keys, nil
		}
		return nil, errors.New(errors.CodeCacheStarvation,
			errors.WithMessagef("list keys for tier %s", tier),
			errors.WithCause(err))
	}

	b.mu.Lock()
	b.catalogs[tier] = catalog{keys: keys, fetched: time.Now()}
	b.mu.Unlock()

	return keys, nil
}

func (b *Bank) markUsed(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.usedAt[key].IsZero() {
		b.usedOrder = append(b.usedOrder, key)
	}
	b.usedAt[key] = time.Now()

	// Keep the recently-used window bounded so old keys become
	// eligible again.
	for len(b.usedOrder) > b.maxRecent {
		oldest := b.usedOrder[0]
		b.usedOrder = b.usedOrder[1:]
		delete(b.usedAt, oldest)
	}
}
