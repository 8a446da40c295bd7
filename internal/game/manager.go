package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/registry"
	"github.com/kusogaki/gtaquiz/internal/round"
)

const (
	defaultCountdown     = 15 * time.Second
	defaultStartingLives = 3
)

type Config struct {
	Bus    *event.Bus
	Rounds *round.Service

	// Countdown is the lobby wait before the first round begins.
	Countdown time.Duration
	// StartingLives is the number of misses a player survives.
	StartingLives int
	// AllowLateJoin admits players after the first round has begun.
	AllowLateJoin bool
	// DefaultMode is used when a start command names no difficulty.
	DefaultMode domain.DifficultyMode
}

func (c Config) withDefaults() Config {
	if c.Countdown <= 0 {
		c.Countdown = defaultCountdown
	}
	if c.StartingLives <= 0 {
		c.StartingLives = defaultStartingLives
	}
	if c.DefaultMode == (domain.DifficultyMode{}) {
		c.DefaultMode = domain.DifficultyMode{Adaptive: true}
	}
	return c
}

// Manager owns the per-channel session state machine. Commands arrive
// as bus events; each session serializes its transitions behind its
// own lock, so no two round closes can interleave for one session.
type Manager struct {
	c      Config
	bus    *event.Bus
	rounds *round.Service

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu sync.Mutex

	id      string
	channel string
	state   domain.SessionState
	mode    domain.DifficultyMode

	registry   *registry.Registry
	current    *round.Active
	usedKeys   map[string]bool
	history    []float64
	tier       domain.Tier
	roundCount int

	countdown     *time.Timer
	stopRequested bool
}

func NewManager(c Config) *Manager {
	c = c.withDefaults()
	m := &Manager{
		c:        c,
		bus:      c.Bus,
		rounds:   c.Rounds,
		sessions: make(map[string]*session),
	}

	m.bus.Subscribe(domain.EventNameStartGame, func(ctx context.Context, e event.Event) error {
		return m.handleStart(ctx, e.(domain.EventStartGame))
	})
	m.bus.Subscribe(domain.EventNameJoinGame, func(ctx context.Context, e event.Event) error {
		return m.handleJoin(ctx, e.(domain.EventJoinGame))
	})
	m.bus.Subscribe(domain.EventNameSubmitAnswer, func(ctx context.Context, e event.Event) error {
		return m.handleAnswer(ctx, e.(domain.EventSubmitAnswer))
	})
	m.bus.Subscribe(domain.EventNameStopGame, func(ctx context.Context, e event.Event) error {
		return m.handleStop(ctx, e.(domain.EventStopGame))
	})
	m.bus.Subscribe(domain.EventNameRoundResolved, func(ctx context.Context, e event.Event) error {
		return m.handleRoundResolved(ctx, e.(domain.EventRoundResolved))
	})

	return m
}

// Snapshot returns the session state for a channel, if any.
func (m *Manager) Snapshot(channel string) (domain.Session, bool) {
	s := m.lookup(channel)
	if s == nil {
		return domain.Session{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	players := append([]string(nil), s.registry.Active()...)
	return domain.Session{
		SessionID:  s.id,
		Channel:    s.channel,
		State:      s.state,
		Players:    players,
		Mode:       s.mode,
		RoundCount: s.roundCount,
	}, true
}

// Standings returns the current scoreboard for a channel.
func (m *Manager) Standings(channel string) ([]domain.Standing, bool) {
	s := m.lookup(channel)
	if s == nil {
		return nil, false
	}
	return s.registry.Snapshot(), true
}

func (m *Manager) lookup(channel string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[channel]
}

func (m *Manager) handleStart(ctx context.Context, e domain.EventStartGame) error {
	m.mu.Lock()
	s, ok := m.sessions[e.Channel]
	if !ok {
		id, err := uuid.NewV7()
		if err != nil {
			m.mu.Unlock()
			return err
		}

		mode := e.Mode
		if mode == (domain.DifficultyMode{}) {
			mode = m.c.DefaultMode
		}

		s = &session{
			id:       id.String(),
			channel:  e.Channel,
			state:    domain.StateLobby,
			mode:     mode,
			registry: registry.New(m.c.StartingLives),
			usedKeys: make(map[string]bool),
			tier:     initialTier(mode),
		}
		m.sessions[e.Channel] = s
		m.mu.Unlock()

		s.mu.Lock()
		if e.StartedBy != "" {
			if err := s.registry.Register(e.StartedBy); err != nil {
				slog.WarnContext(ctx, "game: register starter failed", "channel", e.Channel, "error", err)
			}
		}
		s.countdown = time.AfterFunc(m.c.Countdown, func() {
			m.beginRound(context.WithoutCancel(ctx), s)
		})
		s.mu.Unlock()

		slog.InfoContext(ctx, "game: lobby opened",
			"channel", e.Channel,
			"session", s.id,
			"mode", modeString(mode),
		)
		return nil
	}
	m.mu.Unlock()

	// A second start while in the lobby begins the game immediately.
	s.mu.Lock()
	inLobby := s.state == domain.StateLobby
	if inLobby && s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	s.mu.Unlock()

	if inLobby {
		m.beginRound(ctx, s)
	}
	return nil
}

func (m *Manager) handleJoin(ctx context.Context, e domain.EventJoinGame) error {
	s := m.lookup(e.Channel)
	if s == nil {
		slog.WarnContext(ctx, "game: join without a session", "channel", e.Channel, "player", e.PlayerID)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == domain.StateEnded:
		return nil
	case s.state != domain.StateLobby && !m.c.AllowLateJoin:
		slog.InfoContext(ctx, "game: late join rejected", "channel", e.Channel, "player", e.PlayerID)
		return nil
	}

	if err := s.registry.Register(e.PlayerID); err != nil {
		slog.InfoContext(ctx, "game: join rejected", "channel", e.Channel, "player", e.PlayerID, "error", err)
		return nil
	}

	slog.InfoContext(ctx, "game: player joined", "channel", e.Channel, "player", e.PlayerID)
	return nil
}

func (m *Manager) handleAnswer(ctx context.Context, e domain.EventSubmitAnswer) error {
	s := m.lookup(e.Channel)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	current := s.current
	open := s.state == domain.StateInRound && current != nil
	s.mu.Unlock()

	if !open {
		return nil
	}

	res := current.Submit(ctx, e.PlayerID, e.OptionIndex)
	slog.DebugContext(ctx, "game: answer handled",
		"channel", e.Channel,
		"player", e.PlayerID,
		"result", res.String(),
	)
	return nil
}

func (m *Manager) handleStop(ctx context.Context, e domain.EventStopGame) error {
	s := m.lookup(e.Channel)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	s.stopRequested = true
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	current := s.current
	inLobby := s.state == domain.StateLobby
	s.mu.Unlock()

	if current != nil && !current.Closed() {
		// Force-close the open window so no answers land against a
		// torn-down session. The resolved handler finishes the stop.
		current.Close(ctx, round.CloseStopped)
		return nil
	}

	if inLobby {
		m.endSession(ctx, s)
	}
	return nil
}

func (m *Manager) handleRoundResolved(ctx context.Context, e domain.EventRoundResolved) error {
	s := m.lookup(e.Channel)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.current == nil || s.current.Round().RoundID != e.Round.RoundID {
		s.mu.Unlock()
		return nil
	}

	s.state = domain.StateRoundResolved
	s.roundCount++
	s.usedKeys[e.Round.SourceKey] = true
	s.history = append(s.history, s.current.CorrectRate())
	s.current = nil

	stop := s.stopRequested
	active := s.registry.Active()
	total := len(s.registry.Snapshot())
	s.mu.Unlock()

	// A session with opponents ends once a sole survivor remains; a
	// solo session keeps going until its player is out.
	ended := stop || len(active) == 0 || (total > 1 && len(active) == 1)
	if ended {
		m.endSession(ctx, s)
		return nil
	}

	s.mu.Lock()
	s.tier = m.rounds.NextTier(s.mode, s.tier, s.history)
	s.mu.Unlock()

	m.beginRound(ctx, s)
	return nil
}

func (m *Manager) beginRound(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.state != domain.StateLobby && s.state != domain.StateRoundResolved {
		s.mu.Unlock()
		return
	}
	if s.stopRequested {
		s.mu.Unlock()
		m.endSession(ctx, s)
		return
	}

	players := s.registry.Active()
	if len(players) == 0 {
		s.mu.Unlock()
		slog.WarnContext(ctx, "game: no eligible players", "channel", s.channel)
		m.endSession(ctx, s)
		return
	}

	exclude := make(map[string]bool, len(s.usedKeys))
	for k := range s.usedKeys {
		exclude[k] = true
	}

	params := round.StartParams{
		SessionID: s.id,
		Channel:   s.channel,
		Tier:      s.tier,
		Players:   players,
		UsedKeys:  exclude,
		Registry:  s.registry,
	}
	s.state = domain.StateInRound
	s.mu.Unlock()

	a, err := m.rounds.StartRound(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "game: start round failed", "channel", s.channel, "error", err)
		m.endSession(ctx, s)
		return
	}

	s.mu.Lock()
	if s.stopRequested {
		// Stop raced the start. Seal the fresh window immediately;
		// its resolution is not part of any session anymore.
		s.mu.Unlock()
		a.Close(ctx, round.CloseStopped)
		m.endSession(ctx, s)
		return
	}
	s.current = a
	s.mu.Unlock()
}

func (m *Manager) endSession(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.state == domain.StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateEnded
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	standings := s.registry.Snapshot()
	rounds := s.roundCount
	id, channel := s.id, s.channel
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, channel)
	m.mu.Unlock()

	m.bus.Publish(ctx, domain.EventGameEnded{
		SessionID:      id,
		Channel:        channel,
		FinalStandings: standings,
		Rounds:         rounds,
	})

	slog.InfoContext(ctx, "game: ended",
		"channel", channel,
		"session", id,
		"rounds", rounds,
	)
}

func initialTier(mode domain.DifficultyMode) domain.Tier {
	if mode.Adaptive {
		return domain.TierEasy
	}
	return mode.Fixed.Clamp()
}

func modeString(mode domain.DifficultyMode) string {
	if mode.Adaptive {
		return "adaptive"
	}
	return "fixed:" + mode.Fixed.String()
}
