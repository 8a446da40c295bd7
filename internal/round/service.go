package round

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kusogaki/gtaquiz/internal/answer"
	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/question"
	"github.com/kusogaki/gtaquiz/internal/registry"
	"github.com/kusogaki/gtaquiz/internal/telemetry"
)

const (
	defaultOptions   = 4
	defaultGuessTime = 15 * time.Second

	// Bounded resampling when distractor titles collide. Past this
	// the round starts with fewer distinct distractors instead of
	// blocking.
	maxDistractorPicks = 10
)

// CloseReason records what sealed a round window.
type CloseReason string

const (
	CloseDeadline          CloseReason = "deadline"
	CloseFullParticipation CloseReason = "full_participation"
	CloseStopped           CloseReason = "stopped"
)

type Config struct {
	Bus     *event.Bus
	Bank    *question.Bank
	Metrics *telemetry.Metrics

	// Options is the option set size including the correct entry.
	Options int
	// GuessTime is the answer window. The metadata fetch timeout
	// must stay below it so question assembly cannot outlive the
	// window it feeds.
	GuessTime time.Duration

	// Adaptive difficulty: tier moves on the aggregate correct rate
	// of the trailing Window rounds.
	Window       int
	EscalateAt   float64
	DeescalateAt float64
}

func (c Config) withDefaults() Config {
	if c.Options <= 0 {
		c.Options = defaultOptions
	}
	if c.GuessTime <= 0 {
		c.GuessTime = defaultGuessTime
	}
	if c.Window <= 0 {
		c.Window = 5
	}
	if c.EscalateAt == 0 {
		c.EscalateAt = 0.75
	}
	if c.DeescalateAt == 0 {
		c.DeescalateAt = 0.35
	}
	return c
}

// Service builds and resolves quiz rounds.
type Service struct {
	c       Config
	bus     *event.Bus
	bank    *question.Bank
	metrics *telemetry.Metrics
}

func NewService(c Config) *Service {
	c = c.withDefaults()
	return &Service{
		c:       c,
		bus:     c.Bus,
		bank:    c.Bank,
		metrics: c.Metrics,
	}
}

// StartParams describes the session slice a round runs against.
type StartParams struct {
	SessionID string
	Channel   string
	Tier      domain.Tier
	Players   []string
	UsedKeys  map[string]bool
	Registry  *registry.Registry
}

// StartRound selects a question, assembles the option set, opens the
// answer window and schedules the deadline. The returned Active
// handle accepts submissions until it closes.
func (s *Service) StartRound(ctx context.Context, p StartParams) (*Active, error) {
	m, err := s.bank.Next(ctx, p.UsedKeys, p.Tier)
	if err != nil {
		return nil, fmt.Errorf("round: pick question: %w", err)
	}

	options, correct := s.buildOptions(ctx, m, p.UsedKeys)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("round: generate round ID: %w", err)
	}

	now := time.Now()
	r := domain.Round{
		RoundID:      id.String(),
		SourceKey:    m.Key,
		ImageURL:     m.ImageURL,
		Options:      options,
		CorrectIndex: correct,
		Tier:         m.Tier,
		OpenedAt:     now,
		Deadline:     now.Add(s.c.GuessTime),
	}

	a := &Active{
		svc:       s,
		sessionID: p.SessionID,
		channel:   p.Channel,
		round:     r,
		players:   append([]string(nil), p.Players...),
		queue:     answer.NewQueue(p.Players),
		registry:  p.Registry,
	}
	a.timer = time.AfterFunc(s.c.GuessTime, func() {
		a.Close(context.WithoutCancel(ctx), CloseDeadline)
	})

	s.metrics.RoundStarted()
	s.bus.Publish(ctx, domain.EventRoundStarted{
		SessionID: p.SessionID,
		Channel:   p.Channel,
		RoundID:   r.RoundID,
		ImageURL:  r.ImageURL,
		Options:   append([]string(nil), r.Options...),
		Tier:      r.Tier,
		Deadline:  r.Deadline,
	})

	slog.InfoContext(ctx, "round: started",
		"session", p.SessionID,
		"round", r.RoundID,
		"tier", r.Tier.String(),
		"players", len(p.Players),
	)

	return a, nil
}

// buildOptions assembles one correct title plus distractors of the
// same tier, with no two options sharing a normalized title.
func (s *Service) buildOptions(ctx context.Context, m domain.Metadata, usedKeys map[string]bool) (options []string, correctIndex int) {
	want := s.c.Options - 1

	seen := map[string]bool{domain.NormalizeTitle(m.Title): true}
	pool := append([]string(nil), m.Distractors...)
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	var distractors []string
	picks := 0
	for _, title := range pool {
		if len(distractors) >= want || picks >= maxDistractorPicks {
			break
		}
		picks++
		n := domain.NormalizeTitle(title)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		distractors = append(distractors, title)
	}

	if len(distractors) < want {
		// The record's own pool starved. Degrade by borrowing titles
		// from the tier catalog before settling for fewer options.
		for _, title := range s.bank.DistractorPool(ctx, m.Tier, usedKeys) {
			if len(distractors) >= want {
				break
			}
			n := domain.NormalizeTitle(title)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			distractors = append(distractors, title)
		}
	}

	if len(distractors) < want {
		slog.Warn("round: starting with fewer distractors",
			"key", m.Key,
			"want", want,
			"got", len(distractors),
		)
	}

	options = append(distractors, m.Title)
	rand.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })
	for i, o := range options {
		if o == m.Title {
			return options, i
		}
	}
	return options, 0
}

// NextTier computes the following round's tier. Fixed mode bypasses
// the mapping; adaptive mode moves one step on the trailing window's
// aggregate correct rate, clamped to the tier range.
func (s *Service) NextTier(mode domain.DifficultyMode, current domain.Tier, history []float64) domain.Tier {
	if !mode.Adaptive {
		return mode.Fixed.Clamp()
	}

	if len(history) == 0 {
		return current.Clamp()
	}
	window := history
	if len(window) > s.c.Window {
		window = window[len(window)-s.c.Window:]
	}

	var sum float64
	for _, r := range window {
		sum += r
	}
	rate := sum / float64(len(window))

	switch {
	case rate >= s.c.EscalateAt:
		return (current + 1).Clamp()
	case rate <= s.c.DeescalateAt:
		return (current - 1).Clamp()
	default:
		return current.Clamp()
	}
}

// Active is one open round. All methods are safe for concurrent use.
type Active struct {
	svc       *Service
	sessionID string
	channel   string
	round     domain.Round
	players   []string
	queue     *answer.Queue
	registry  *registry.Registry

	mu    sync.Mutex
	timer *time.Timer
}

// Round returns the round's public description.
func (a *Active) Round() domain.Round {
	return a.round
}

// Submit records one player's answer. The first accepted answer per
// player wins; correctness is withheld until the round resolves. Full
// participation closes the round immediately.
func (a *Active) Submit(ctx context.Context, playerID string, optionIndex int) answer.Result {
	if optionIndex < 0 || optionIndex >= len(a.round.Options) {
		a.svc.metrics.AnswerRejected("out_of_range")
		return answer.RejectedIneligible
	}

	res, full := a.queue.Submit(playerID, optionIndex)
	if res != answer.Accepted {
		a.svc.metrics.AnswerRejected(res.String())
		return res
	}

	a.svc.metrics.AnswerAccepted()
	a.svc.bus.Publish(ctx, domain.EventAnswerAcknowledged{
		SessionID: a.sessionID,
		Channel:   a.channel,
		RoundID:   a.round.RoundID,
		PlayerID:  playerID,
	})

	if full {
		a.Close(ctx, CloseFullParticipation)
	}

	return res
}

// Close resolves the round: drains the queue, scores every expected
// player, applies eliminations and publishes the outcome. Closing an
// already closed round has no effect; the deadline firing and full
// participation race safely through the queue's close boundary.
func (a *Active) Close(ctx context.Context, reason CloseReason) {
	answers, ok := a.queue.Close()
	if !ok {
		return
	}

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	byPlayer := make(map[string]domain.SubmittedAnswer, len(answers))
	for _, sub := range answers {
		byPlayer[sub.PlayerID] = sub
	}

	results := make([]domain.PlayerResult, 0, len(a.players))
	correctCount := 0
	for _, id := range a.players {
		sub, answered := byPlayer[id]
		correct := answered && sub.OptionIndex == a.round.CorrectIndex
		optionIndex := -1
		if answered {
			optionIndex = sub.OptionIndex
		}

		award := decimal.Zero
		if correct {
			prev, _ := a.registry.Player(id)
			award = a.svc.award(a.round.Tier, prev.Streak)
			correctCount++
		}

		p, err := a.registry.RecordResult(id, correct, award)
		if err != nil {
			slog.ErrorContext(ctx, "round: record result failed",
				"session", a.sessionID,
				"player", id,
				"error", err,
			)
			continue
		}

		eliminated := false
		if !correct && p.Lives == 0 {
			if err := a.registry.Eliminate(id); err == nil {
				eliminated = true
			}
		}

		results = append(results, domain.PlayerResult{
			PlayerID:    id,
			Answered:    answered,
			OptionIndex: optionIndex,
			Correct:     correct,
			Awarded:     award,
			Streak:      p.Streak,
			Lives:       p.Lives,
			Eliminated:  eliminated,
		})
	}

	scoreboard := a.registry.Snapshot()
	now := time.Now()

	a.svc.metrics.RoundClosed(string(reason))
	a.svc.bus.Publish(ctx, domain.EventRoundResolved{
		SessionID:    a.sessionID,
		Channel:      a.channel,
		Round:        a.round,
		CorrectIndex: a.round.CorrectIndex,
		Results:      results,
		Scoreboard:   scoreboard,
		ClosedAt:     now,
	})

	for _, st := range scoreboard {
		if _, answered := byPlayer[st.PlayerID]; !answered {
			continue
		}
		a.svc.bus.Publish(ctx, domain.EventScoreUpdated{
			SessionID:  a.sessionID,
			Channel:    a.channel,
			Standing:   st,
			UpdateTime: now,
		})
	}

	slog.InfoContext(ctx, "round: closed",
		"session", a.sessionID,
		"round", a.round.RoundID,
		"reason", string(reason),
		"answers", len(answers),
		"correct", correctCount,
	)
}

// Closed reports whether the round has been resolved.
func (a *Active) Closed() bool {
	return a.queue.Closed()
}

// CorrectRate returns the share of expected players who answered
// correctly, for the adaptive difficulty window. Valid after close.
func (a *Active) CorrectRate() float64 {
	// Recomputing from the registry would race with the next round;
	// derive from the sealed queue instead.
	answers, _ := a.queue.Snapshot()
	if len(a.players) == 0 {
		return 0
	}
	correct := 0
	for _, sub := range answers {
		if sub.OptionIndex == a.round.CorrectIndex {
			correct++
		}
	}
	return float64(correct) / float64(len(a.players))
}

// award computes the points for a correct answer: tier base plus a
// streak bonus from the player's streak entering this round.
func (s *Service) award(tier domain.Tier, prevStreak int) decimal.Decimal {
	return decimal.NewFromInt(int64(10*int(tier) + 2*prevStreak))
}
