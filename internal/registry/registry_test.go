package registry_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/registry"
)

func TestRegistry_RegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := registry.New(3)
	require.NoError(t, r.Register("p1"))

	err := r.Register("p1")
	require.True(t, errors.Is(err, errors.CodeAlreadyExists))
}

func TestRegistry_RecordResult(t *testing.T) {
	t.Parallel()

	r := registry.New(2)
	require.NoError(t, r.Register("p1"))

	p, err := r.RecordResult("p1", true, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, 1, p.Streak)
	require.Equal(t, 2, p.Lives)
	require.True(t, p.Score.Equal(decimal.NewFromInt(10)))

	p, err = r.RecordResult("p1", true, decimal.NewFromInt(15))
	require.NoError(t, err)
	require.Equal(t, 2, p.Streak)
	require.True(t, p.Score.Equal(decimal.NewFromInt(25)))

	p, err = r.RecordResult("p1", false, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, 0, p.Streak, "an incorrect answer resets the streak")
	require.Equal(t, 1, p.Lives)
	require.True(t, p.Score.Equal(decimal.NewFromInt(25)), "score is never deducted")
}

func TestRegistry_EliminateRemovesFromActive(t *testing.T) {
	t.Parallel()

	r := registry.New(3)
	require.NoError(t, r.Register("p1"))
	require.NoError(t, r.Register("p2"))

	require.NoError(t, r.Eliminate("p1"))
	require.Equal(t, []string{"p2"}, r.Active())
	require.True(t, r.Has("p1"), "eliminated players stay registered for the scoreboard")
}

func TestRegistry_SnapshotOrdering(t *testing.T) {
	t.Parallel()

	r := registry.New(3)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		require.NoError(t, r.Register(id))
	}

	// p2 and p3 tie on score, but p3 has more incorrect answers.
	// p1 and p4 tie on everything; p1 joined first.
	mustRecord := func(id string, correct bool, award int64) {
		_, err := r.RecordResult(id, correct, decimal.NewFromInt(award))
		require.NoError(t, err)
	}
	mustRecord("p2", true, 20)
	mustRecord("p3", true, 20)
	mustRecord("p3", false, 0)

	got := r.Snapshot()
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.PlayerID)
	}
	require.Equal(t, []string{"p2", "p3", "p1", "p4"}, ids)
}
