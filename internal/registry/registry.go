package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
)

// Registry tracks per-session player state. Mutations happen only
// from round close and game lifecycle transitions; everything else
// reads snapshots.
type Registry struct {
	startingLives int

	mu      sync.Mutex
	players map[string]*domain.Player
	order   []string
	now     func() time.Time
}

func New(startingLives int) *Registry {
	return &Registry{
		startingLives: startingLives,
		players:       make(map[string]*domain.Player),
		now:           time.Now,
	}
}

// Register adds a player with full lives and zero score.
func (r *Registry) Register(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; ok {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("player %q already registered", playerID))
	}

	r.players[playerID] = &domain.Player{
		PlayerID: playerID,
		Score:    decimal.Zero,
		Lives:    r.startingLives,
		JoinedAt: r.now(),
	}
	r.order = append(r.order, playerID)
	return nil
}

// Has reports whether the player is registered, eliminated or not.
func (r *Registry) Has(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.players[playerID]
	return ok
}

// Player returns a copy of the player's state.
func (r *Registry) Player(playerID string) (domain.Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, false
	}
	return *p, true
}

// Active lists non-eliminated players in join order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, id := range r.order {
		if !r.players[id].Eliminated {
			out = append(out, id)
		}
	}
	return out
}

// RecordResult applies one round outcome to a player. A correct
// answer extends the streak and adds the award; an incorrect answer
// or a missed round resets the streak and costs one life. The updated
// state is returned.
func (r *Registry) RecordResult(playerID string, correct bool, award decimal.Decimal) (domain.Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("player %q not registered", playerID))
	}

	if correct {
		p.Correct++
		p.Streak++
		p.Score = p.Score.Add(award)
	} else {
		p.Incorrect++
		p.Streak = 0
		if p.Lives > 0 {
			p.Lives--
		}
	}

	return *p, nil
}

// Eliminate flags a player out of further rounds.
func (r *Registry) Eliminate(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("player %q not registered", playerID))
	}

	p.Eliminated = true
	return nil
}

// Snapshot returns the leaderboard: score descending, ties broken by
// fewer incorrect answers, then by earliest join.
func (r *Registry) Snapshot() []domain.Standing {
	r.mu.Lock()
	defer r.mu.Unlock()

	joinedIdx := make(map[string]int, len(r.order))
	for i, id := range r.order {
		joinedIdx[id] = i
	}

	out := make([]domain.Standing, 0, len(r.players))
	for _, id := range r.order {
		p := r.players[id]
		out = append(out, domain.Standing{
			PlayerID:   p.PlayerID,
			Score:      p.Score,
			Correct:    p.Correct,
			Incorrect:  p.Incorrect,
			Eliminated: p.Eliminated,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Score.Equal(out[j].Score) {
			return out[i].Score.GreaterThan(out[j].Score)
		}
		if out[i].Incorrect != out[j].Incorrect {
			return out[i].Incorrect < out[j].Incorrect
		}
		return joinedIdx[out[i].PlayerID] < joinedIdx[out[j].PlayerID]
	})

	return out
}
