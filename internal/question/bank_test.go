package question_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/metadata"
	"github.com/kusogaki/gtaquiz/internal/question"
)

type fakeSource struct {
	mu      sync.Mutex
	keys    map[domain.Tier][]string
	records map[string]domain.Metadata
	broken  map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		keys:    make(map[domain.Tier][]string),
		records: make(map[string]domain.Metadata),
		broken:  make(map[string]bool),
	}
}

func (f *fakeSource) add(tier domain.Tier, key, title string) {
	f.keys[tier] = append(f.keys[tier], key)
	f.records[key] = domain.Metadata{
		Key:      key,
		Title:    title,
		ImageURL: "https://img.example/" + key,
		Tier:     tier,
	}
}

func (f *fakeSource) Fetch(_ context.Context, key string) (domain.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broken[key] {
		return domain.Metadata{}, errors.New(errors.CodeFetchHard, errors.WithMessagef("broken key %q", key))
	}
	m, ok := f.records[key]
	if !ok {
		return domain.Metadata{}, errors.New(errors.CodeFetchHard, errors.WithMessagef("no record %q", key))
	}
	return m, nil
}

func (f *fakeSource) Catalog(_ context.Context, tier domain.Tier) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[tier], nil
}

func makeBank(f *fakeSource) *question.Bank {
	return question.NewBank(question.Config{
		Cache:  metadata.NewCache(metadata.Config{Fetcher: f, Capacity: 64}),
		Source: f,
	})
}

func TestBank_NextSkipsExcludedKeys(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "a", "Title A")
	f.add(domain.TierEasy, "b", "Title B")
	b := makeBank(f)

	exclude := map[string]bool{"a": true}
	for i := 0; i < 5; i++ {
		m, err := b.Next(context.Background(), exclude, domain.TierEasy)
		require.NoError(t, err)
		require.Equal(t, "b", m.Key)
	}
}

func TestBank_NextRelaxesExclusionOnStarvation(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "a", "Title A")
	b := makeBank(f)

	// The only key of the tier is excluded. The bank must degrade by
	// reusing it rather than failing the round.
	m, err := b.Next(context.Background(), map[string]bool{"a": true}, domain.TierEasy)
	require.NoError(t, err)
	require.Equal(t, "a", m.Key)
}

func TestBank_NextRotatesOnHardFailure(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "a", "Title A")
	f.add(domain.TierEasy, "b", "Title B")
	f.broken["a"] = true
	b := makeBank(f)

	for i := 0; i < 5; i++ {
		m, err := b.Next(context.Background(), nil, domain.TierEasy)
		require.NoError(t, err)
		require.Equal(t, "b", m.Key, "bank should fall back to a working key")
	}
}

func TestBank_NextStarvesWhenAllKeysFail(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "a", "Title A")
	f.broken["a"] = true
	b := makeBank(f)

	_, err := b.Next(context.Background(), nil, domain.TierEasy)
	require.True(t, errors.Is(err, errors.CodeCacheStarvation))
}

func TestBank_NextPrefersFreshKeys(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "a", "Title A")
	f.add(domain.TierEasy, "b", "Title B")
	f.add(domain.TierEasy, "c", "Title C")
	b := makeBank(f)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		m, err := b.Next(context.Background(), nil, domain.TierEasy)
		require.NoError(t, err)
		require.False(t, seen[m.Key], "fresh keys must be exhausted before any repeat")
		seen[m.Key] = true
	}
	require.Len(t, seen, 3)
}
