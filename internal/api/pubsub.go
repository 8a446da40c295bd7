package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kusogaki/gtaquiz/internal/domain"
)

const maxConcurrent = 100

// Notification is the envelope every chat client receives. Data
// shapes below are the wire contract; the correct option index never
// appears before the round is resolved.
type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	RoundStarted struct {
		SessionID string   `json:"session_id"`
		RoundID   string   `json:"round_id"`
		ImageURL  string   `json:"image_url"`
		Options   []string `json:"options"`
		Tier      string   `json:"tier"`
		Deadline  string   `json:"deadline"`
	}

	AnswerAcknowledged struct {
		RoundID  string `json:"round_id"`
		PlayerID string `json:"player_id"`
	}

	RoundResolved struct {
		SessionID    string         `json:"session_id"`
		RoundID      string         `json:"round_id"`
		CorrectIndex int            `json:"correct_index"`
		Results      []PlayerResult `json:"results"`
		Scoreboard   []Standing     `json:"scoreboard"`
	}

	PlayerResult struct {
		PlayerID    string `json:"player_id"`
		Answered    bool   `json:"answered"`
		OptionIndex int    `json:"option_index"`
		Correct     bool   `json:"correct"`
		Awarded     string `json:"awarded"`
		Streak      int    `json:"streak"`
		Lives       int    `json:"lives"`
		Eliminated  bool   `json:"eliminated"`
	}

	GameEnded struct {
		SessionID      string     `json:"session_id"`
		Rounds         int        `json:"rounds"`
		FinalStandings []Standing `json:"final_standings"`
	}

	Standing struct {
		PlayerID   string `json:"player_id"`
		Score      string `json:"score"`
		Correct    int    `json:"correct"`
		Incorrect  int    `json:"incorrect"`
		Eliminated bool   `json:"eliminated"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		PlayerID string `json:"player_id"`
		Score    string `json:"score"`
	}
)

func (a *API) PublishRoundStarted(ctx context.Context, e domain.EventRoundStarted) error {
	return a.publishNotification(ctx, e.Channel, e.Name(), RoundStarted{
		SessionID: e.SessionID,
		RoundID:   e.RoundID,
		ImageURL:  e.ImageURL,
		Options:   e.Options,
		Tier:      e.Tier.String(),
		Deadline:  e.Deadline.Format(time.RFC3339),
	})
}

func (a *API) PublishAnswerAcknowledged(ctx context.Context, e domain.EventAnswerAcknowledged) error {
	return a.publishNotification(ctx, e.Channel, e.Name(), AnswerAcknowledged{
		RoundID:  e.RoundID,
		PlayerID: e.PlayerID,
	})
}

func (a *API) PublishRoundResolved(ctx context.Context, e domain.EventRoundResolved) error {
	data := RoundResolved{
		SessionID:    e.SessionID,
		RoundID:      e.Round.RoundID,
		CorrectIndex: e.CorrectIndex,
		Results:      make([]PlayerResult, 0, len(e.Results)),
		Scoreboard:   standingsJSON(e.Scoreboard),
	}

	for _, r := range e.Results {
		data.Results = append(data.Results, PlayerResult{
			PlayerID:    r.PlayerID,
			Answered:    r.Answered,
			OptionIndex: r.OptionIndex,
			Correct:     r.Correct,
			Awarded:     r.Awarded.String(),
			Streak:      r.Streak,
			Lives:       r.Lives,
			Eliminated:  r.Eliminated,
		})
	}

	return a.publishNotification(ctx, e.Channel, e.Name(), data)
}

func (a *API) PublishGameEnded(ctx context.Context, e domain.EventGameEnded) error {
	return a.publishNotification(ctx, e.Channel, e.Name(), GameEnded{
		SessionID:      e.SessionID,
		Rounds:         e.Rounds,
		FinalStandings: standingsJSON(e.FinalStandings),
	})
}

// PublishLeaderboardUpdated fans the refreshed board out to the chat
// channel and to each ranked player's personal topic.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			PlayerID: entry.PlayerID,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, l.Channel, e.Name(), data)
	})
	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishUserNotification(ctx, entry.PlayerID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	return a.publishTo(ctx, fmt.Sprintf("%s:channel:%s", a.prefix, channel), event, data)
}

func (a *API) publishUserNotification(ctx context.Context, player, event string, data any) error {
	return a.publishTo(ctx, fmt.Sprintf("%s:user:%s", a.prefix, player), event, data)
}

func (a *API) publishTo(ctx context.Context, topic, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, topic, b).Err()
}

func standingsJSON(standings []domain.Standing) []Standing {
	out := make([]Standing, 0, len(standings))
	for _, st := range standings {
		out = append(out, Standing{
			PlayerID:   st.PlayerID,
			Score:      st.Score.String(),
			Correct:    st.Correct,
			Incorrect:  st.Incorrect,
			Eliminated: st.Eliminated,
		})
	}
	return out
}

func leaderboardJSON(l domain.Leaderboard) Leaderboard {
	out := Leaderboard{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		out.Entries = append(out.Entries, LeaderboardEntry{
			PlayerID: e.PlayerID,
			Score:    strconv.FormatFloat(e.Score, 'f', -1, 64),
		})
	}
	return out
}
