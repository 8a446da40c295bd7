package round_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kusogaki/gtaquiz/internal/answer"
	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/metadata"
	"github.com/kusogaki/gtaquiz/internal/question"
	"github.com/kusogaki/gtaquiz/internal/registry"
	"github.com/kusogaki/gtaquiz/internal/round"
)

type fakeSource struct {
	mu      sync.Mutex
	keys    map[domain.Tier][]string
	records map[string]domain.Metadata
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		keys:    make(map[domain.Tier][]string),
		records: make(map[string]domain.Metadata),
	}
}

func (f *fakeSource) add(tier domain.Tier, key, title string, distractors ...string) {
	f.keys[tier] = append(f.keys[tier], key)
	f.records[key] = domain.Metadata{
		Key:         key,
		Title:       title,
		ImageURL:    "https://img.example/" + key,
		Tier:        tier,
		Distractors: distractors,
	}
}

func (f *fakeSource) Fetch(_ context.Context, key string) (domain.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

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

type capture struct {
	mu       sync.Mutex
	resolved []domain.EventRoundResolved
	acks     []domain.EventAnswerAcknowledged
	started  []domain.EventRoundStarted
}

func (c *capture) resolvedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resolved)
}

func captureEvents(b *event.Bus) *capture {
	c := &capture{}
	b.Subscribe(domain.EventNameRoundResolved, func(ctx context.Context, e event.Event) error {
		c.mu.Lock()
		c.resolved = append(c.resolved, e.(domain.EventRoundResolved))
		c.mu.Unlock()
		return nil
	})
	b.Subscribe(domain.EventNameAnswerAcknowledged, func(ctx context.Context, e event.Event) error {
		c.mu.Lock()
		c.acks = append(c.acks, e.(domain.EventAnswerAcknowledged))
		c.mu.Unlock()
		return nil
	})
	b.Subscribe(domain.EventNameRoundStarted, func(ctx context.Context, e event.Event) error {
		c.mu.Lock()
		c.started = append(c.started, e.(domain.EventRoundStarted))
		c.mu.Unlock()
		return nil
	})
	return c
}

type fixture struct {
	bus *event.Bus
	svc *round.Service
	reg *registry.Registry
	cap *capture
}

func makeFixture(t *testing.T, f *fakeSource, guessTime time.Duration, lives int) *fixture {
	t.Helper()

	bus := event.NewBus()
	bank := question.NewBank(question.Config{
		Cache:  metadata.NewCache(metadata.Config{Fetcher: f, Capacity: 64}),
		Source: f,
	})
	svc := round.NewService(round.Config{
		Bus:       bus,
		Bank:      bank,
		GuessTime: guessTime,
	})
	reg := registry.New(lives)

	return &fixture{
		bus: bus,
		svc: svc,
		reg: reg,
		cap: captureEvents(bus),
	}
}

func (fx *fixture) start(t *testing.T, players ...string) *round.Active {
	t.Helper()

	for _, p := range players {
		require.NoError(t, fx.reg.Register(p))
	}

	a, err := fx.svc.StartRound(context.Background(), round.StartParams{
		SessionID: "s1",
		Channel:   "c1",
		Tier:      domain.TierEasy,
		Players:   players,
		Registry:  fx.reg,
	})
	require.NoError(t, err)
	return a
}

func seedSource() *fakeSource {
	f := newFakeSource()
	f.add(domain.TierEasy, "100", "Cowboy Bebop", "Trigun", "Outlaw Star", "Space Dandy", "Samurai Champloo")
	return f
}

func TestService_OptionSetShape(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Minute, 3)
	a := fx.start(t, "p1")

	r := a.Round()
	require.Len(t, r.Options, 4)
	require.GreaterOrEqual(t, r.CorrectIndex, 0)
	require.Less(t, r.CorrectIndex, len(r.Options))
	require.Equal(t, "Cowboy Bebop", r.Options[r.CorrectIndex])

	seen := make(map[string]bool)
	for _, o := range r.Options {
		n := domain.NormalizeTitle(o)
		require.False(t, seen[n], "no two options may share a normalized title")
		seen[n] = true
	}

	a.Close(context.Background(), round.CloseStopped)
	fx.bus.Stop()
}

func TestService_DegradesWithSparseDistractors(t *testing.T) {
	t.Parallel()

	f := newFakeSource()
	f.add(domain.TierEasy, "100", "Cowboy Bebop", "Trigun", "trigun", "TRIGUN")
	fx := makeFixture(t, f, time.Minute, 3)
	a := fx.start(t, "p1")

	r := a.Round()
	require.Len(t, r.Options, 2, "colliding distractors degrade to fewer options, not a failed round")
	require.Equal(t, "Cowboy Bebop", r.Options[r.CorrectIndex])

	a.Close(context.Background(), round.CloseStopped)
	fx.bus.Stop()
}

func TestService_ScenarioThreePlayers(t *testing.T) {
	t.Parallel()

	// 3 players, fixed easy tier. P1 answers correctly, P2 wrongly,
	// P3 not at all. With one life each, P2 and P3 are eliminated.
	fx := makeFixture(t, seedSource(), time.Minute, 1)
	a := fx.start(t, "p1", "p2", "p3")

	r := a.Round()
	wrong := (r.CorrectIndex + 1) % len(r.Options)

	require.Equal(t, answer.Accepted, a.Submit(context.Background(), "p1", r.CorrectIndex))
	require.Equal(t, answer.Accepted, a.Submit(context.Background(), "p2", wrong))

	a.Close(context.Background(), round.CloseDeadline)
	fx.bus.Stop()

	require.Len(t, fx.cap.resolved, 1)
	res := fx.cap.resolved[0]

	byPlayer := make(map[string]domain.PlayerResult)
	for _, pr := range res.Results {
		byPlayer[pr.PlayerID] = pr
	}

	p1 := byPlayer["p1"]
	require.True(t, p1.Correct)
	require.Equal(t, 1, p1.Streak)
	require.True(t, p1.Awarded.Equal(decimal.NewFromInt(10)))
	require.False(t, p1.Eliminated)

	p2 := byPlayer["p2"]
	require.True(t, p2.Answered)
	require.False(t, p2.Correct)
	require.Equal(t, 0, p2.Streak)
	require.True(t, p2.Eliminated)

	p3 := byPlayer["p3"]
	require.False(t, p3.Answered)
	require.Equal(t, -1, p3.OptionIndex)
	require.Equal(t, 0, p3.Streak)
	require.True(t, p3.Eliminated)

	require.Equal(t, []string{"p1"}, fx.reg.Active(), "p1 remains as the sole survivor")
	require.Equal(t, "p1", res.Scoreboard[0].PlayerID)
}

func TestService_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Minute, 3)
	a := fx.start(t, "p1")

	a.Close(context.Background(), round.CloseDeadline)
	a.Close(context.Background(), round.CloseDeadline)
	a.Close(context.Background(), round.CloseStopped)
	fx.bus.Stop()

	require.Len(t, fx.cap.resolved, 1, "a round resolves exactly once")
}

func TestService_FullParticipationClosesImmediately(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Hour, 3)
	a := fx.start(t, "p1", "p2")

	r := a.Round()
	a.Submit(context.Background(), "p1", r.CorrectIndex)
	require.False(t, a.Closed())
	a.Submit(context.Background(), "p2", r.CorrectIndex)
	require.True(t, a.Closed(), "round must not wait for the deadline once everyone answered")
	fx.bus.Stop()

	require.Len(t, fx.cap.resolved, 1)
}

func TestService_DeadlineClosesWithNoAnswers(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), 30*time.Millisecond, 3)
	a := fx.start(t, "p1", "p2")

	require.Eventually(t, func() bool { return fx.cap.resolvedCount() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, a.Closed())
	fx.bus.Stop()
	for _, pr := range fx.cap.resolved[0].Results {
		require.False(t, pr.Answered)
		require.False(t, pr.Correct)
		require.Equal(t, 0, pr.Streak)
	}
}

func TestService_SubmitAfterCloseRejected(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Minute, 3)
	a := fx.start(t, "p1", "p2")

	a.Close(context.Background(), round.CloseStopped)
	require.Equal(t, answer.RejectedClosed, a.Submit(context.Background(), "p1", 0))
	fx.bus.Stop()
}

func TestService_DuplicateSubmissionRejected(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Minute, 3)
	a := fx.start(t, "p1", "p2")

	r := a.Round()
	require.Equal(t, answer.Accepted, a.Submit(context.Background(), "p1", r.CorrectIndex))
	require.Equal(t, answer.RejectedDuplicate, a.Submit(context.Background(), "p1", r.CorrectIndex))

	a.Close(context.Background(), round.CloseStopped)
	fx.bus.Stop()

	require.Len(t, fx.cap.acks, 1, "only the accepted submission is acknowledged")
}

func TestService_NextTier(t *testing.T) {
	t.Parallel()

	svc := round.NewService(round.Config{})

	tests := map[string]struct {
		mode    domain.DifficultyMode
		current domain.Tier
		history []float64
		want    domain.Tier
	}{
		"fixed mode bypasses the mapping": {
			mode:    domain.DifficultyMode{Fixed: domain.TierMedium},
			current: domain.TierExpert,
			history: []float64{1, 1, 1, 1, 1},
			want:    domain.TierMedium,
		},
		"high correct rate escalates": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierEasy,
			history: []float64{0.9, 0.9, 0.9, 0.9, 0.9},
			want:    domain.TierMedium,
		},
		"escalation clamps at the maximum tier": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierExpert,
			history: []float64{0.9, 0.9, 0.9, 0.9, 0.9},
			want:    domain.TierExpert,
		},
		"low correct rate de-escalates": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierHard,
			history: []float64{0.2, 0.1, 0.3, 0.2, 0.0},
			want:    domain.TierMedium,
		},
		"de-escalation clamps at the minimum tier": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierEasy,
			history: []float64{0, 0, 0, 0, 0},
			want:    domain.TierEasy,
		},
		"middling rate holds": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierMedium,
			history: []float64{0.5, 0.6, 0.5, 0.5, 0.4},
			want:    domain.TierMedium,
		},
		"only the trailing window counts": {
			mode:    domain.DifficultyMode{Adaptive: true},
			current: domain.TierEasy,
			history: []float64{0, 0, 0, 0.9, 0.9, 0.9, 0.9, 0.9},
			want:    domain.TierMedium,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := svc.NextTier(tt.mode, tt.current, tt.history)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestService_StreakBonusGrows(t *testing.T) {
	t.Parallel()

	fx := makeFixture(t, seedSource(), time.Minute, 3)
	require.NoError(t, fx.reg.Register("p1"))

	playCorrect := func() domain.PlayerResult {
		a, err := fx.svc.StartRound(context.Background(), round.StartParams{
			SessionID: "s1",
			Channel:   "c1",
			Tier:      domain.TierEasy,
			Players:   []string{"p1"},
			Registry:  fx.reg,
		})
		require.NoError(t, err)
		a.Submit(context.Background(), "p1", a.Round().CorrectIndex)
		require.True(t, a.Closed())
		p, ok := fx.reg.Player("p1")
		require.True(t, ok)
		return domain.PlayerResult{Streak: p.Streak, Awarded: p.Score}
	}

	first := playCorrect()
	require.Equal(t, 1, first.Streak)
	require.True(t, first.Awarded.Equal(decimal.NewFromInt(10)))

	second := playCorrect()
	require.Equal(t, 2, second.Streak)
	// 10 base again plus a streak bonus on top of the first award.
	require.True(t, second.Awarded.Equal(decimal.NewFromInt(22)))

	fx.bus.Stop()
}
