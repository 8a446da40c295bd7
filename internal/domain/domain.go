package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a question difficulty tier.
type Tier int

const (
	TierEasy Tier = iota + 1
	TierMedium
	TierHard
	TierExpert
)

const (
	MinTier = TierEasy
	MaxTier = TierExpert
)

func (t Tier) String() string {
	switch t {
	case TierEasy:
		return "easy"
	case TierMedium:
		return "medium"
	case TierHard:
		return "hard"
	case TierExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// Clamp bounds the tier to the available range.
func (t Tier) Clamp() Tier {
	if t < MinTier {
		return MinTier
	}
	if t > MaxTier {
		return MaxTier
	}
	return t
}

// ParseTier maps a tier name to its value. Unknown names map to TierEasy.
func ParseTier(s string) Tier {
	switch strings.ToLower(s) {
	case "medium":
		return TierMedium
	case "hard":
		return TierHard
	case "expert":
		return TierExpert
	default:
		return TierEasy
	}
}

// DifficultyMode selects either a fixed tier for every round or
// adaptive tier selection from trailing round accuracy.
type DifficultyMode struct {
	Adaptive bool
	Fixed    Tier
}

// SessionState is a state of the per-channel game state machine.
type SessionState string

const (
	StateLobby         SessionState = "lobby"
	StateInRound       SessionState = "in_round"
	StateRoundResolved SessionState = "round_resolved"
	StateEnded         SessionState = "ended"
)

// Session is a snapshot of one active game in a chat channel.
type Session struct {
	SessionID  string
	Channel    string
	State      SessionState
	Players    []string
	Mode       DifficultyMode
	RoundCount int
}

// Player holds per-session player state.
type Player struct {
	PlayerID   string
	Score      decimal.Decimal
	Streak     int
	Lives      int
	Correct    int
	Incorrect  int
	Eliminated bool
	JoinedAt   time.Time
}

// Metadata is one validated record from the external trivia source.
type Metadata struct {
	Key         string
	Title       string
	ImageURL    string
	Tier        Tier
	Distractors []string
}

// Round is one quiz round: an image prompt with a fixed option set
// containing exactly one correct title.
type Round struct {
	RoundID      string
	SourceKey    string
	ImageURL     string
	Options      []string
	CorrectIndex int
	Tier         Tier
	OpenedAt     time.Time
	Deadline     time.Time
}

// SubmittedAnswer is one accepted answer. At most one per player per round.
type SubmittedAnswer struct {
	PlayerID    string
	OptionIndex int
	SubmittedAt time.Time
}

// PlayerResult is one player's outcome for a resolved round.
type PlayerResult struct {
	PlayerID    string
	Answered    bool
	OptionIndex int
	Correct     bool
	Awarded     decimal.Decimal
	Streak      int
	Lives       int
	Eliminated  bool
}

// Standing is one leaderboard row. Ordered by score descending,
// ties broken by fewer incorrect answers, then by earliest join.
type Standing struct {
	PlayerID   string
	Score      decimal.Decimal
	Correct    int
	Incorrect  int
	Eliminated bool
}

// LeaderboardEntry is one row of the live redis leaderboard
// projection. Scores are floats there; the decimal originals stay in
// the registry.
type LeaderboardEntry struct {
	PlayerID string
	Score    float64
}

// Leaderboard is the ranked projection of a running session.
type Leaderboard struct {
	SessionID string
	Channel   string
	Entries   []LeaderboardEntry
}

// NormalizeTitle folds a title for duplicate detection across an
// option set. Source titles differ in case and surrounding space
// between the english and romaji variants of the same entry.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
