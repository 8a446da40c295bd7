package domain

import "time"

// Inbound command events published by the presentation layer.
const (
	EventNameStartGame    = "command.game.start"
	EventNameJoinGame     = "command.game.join"
	EventNameSubmitAnswer = "command.answer.submit"
	EventNameStopGame     = "command.game.stop"
)

// Outbound events consumed by the presentation and persistence layers.
const (
	EventNameRoundStarted       = "round.started"
	EventNameAnswerAcknowledged = "answer.acknowledged"
	EventNameRoundResolved      = "round.resolved"
	EventNameGameEnded          = "game.ended"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventStartGame struct {
	Channel   string
	StartedBy string
	Mode      DifficultyMode
}

func (EventStartGame) Name() string { return EventNameStartGame }

type EventJoinGame struct {
	Channel  string
	PlayerID string
}

func (EventJoinGame) Name() string { return EventNameJoinGame }

type EventSubmitAnswer struct {
	Channel     string
	PlayerID    string
	OptionIndex int
}

func (EventSubmitAnswer) Name() string { return EventNameSubmitAnswer }

type EventStopGame struct {
	Channel string
}

func (EventStopGame) Name() string { return EventNameStopGame }

// EventRoundStarted describes the open round to the presentation
// layer. The correct index is deliberately absent; it travels only in
// EventRoundResolved.
type EventRoundStarted struct {
	SessionID string
	Channel   string
	RoundID   string
	ImageURL  string
	Options   []string
	Tier      Tier
	Deadline  time.Time
}

func (EventRoundStarted) Name() string { return EventNameRoundStarted }

// EventAnswerAcknowledged confirms receipt only. Correctness stays
// hidden until the round resolves.
type EventAnswerAcknowledged struct {
	SessionID string
	Channel   string
	RoundID   string
	PlayerID  string
}

func (EventAnswerAcknowledged) Name() string { return EventNameAnswerAcknowledged }

type EventRoundResolved struct {
	SessionID    string
	Channel      string
	Round        Round
	CorrectIndex int
	Results      []PlayerResult
	Scoreboard   []Standing
	ClosedAt     time.Time
}

func (EventRoundResolved) Name() string { return EventNameRoundResolved }

type EventGameEnded struct {
	SessionID      string
	Channel        string
	FinalStandings []Standing
	Rounds         int
}

func (EventGameEnded) Name() string { return EventNameGameEnded }

// EventScoreUpdated feeds the live leaderboard projection.
type EventScoreUpdated struct {
	SessionID  string
	Channel    string
	Standing   Standing
	UpdateTime time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
