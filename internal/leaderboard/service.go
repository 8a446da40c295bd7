package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond

	// Finished sessions keep their board readable for a while so the
	// presentation layer can still render a recap.
	defaultRetention = time.Hour
)

type Config struct {
	EventBus  *event.Bus
	Redis     redis.UniversalClient
	Prefix    string
	Retention time.Duration
}

// Service maintains the live per-session leaderboard in a redis
// sorted set, fed by score update events. Publishing of refreshed
// boards is debounced so a burst of score changes at round close
// produces one outbound event.
type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewService(c Config) *Service {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}

	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})
	s.eb.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		return s.RetireLeaderboard(ctx, e.(domain.EventGameEnded))
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
	Channel   string
}

// GetLeaderboard returns the full ranked board for a session.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Channel:   req.Channel,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites one player's score in the session board.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if err := s.redis.ZAdd(ctx, s.boardKey(e.SessionID), redis.Z{
		Score:  e.Standing.Score.InexactFloat64(),
		Member: e.Standing.PlayerID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublish(ctx, e)
}

// RetireLeaderboard bounds the lifetime of a finished session's board
// instead of deleting it outright.
func (s *Service) RetireLeaderboard(ctx context.Context, e domain.EventGameEnded) error {
	if err := s.redis.Expire(ctx, s.boardKey(e.SessionID), s.retention).Err(); err != nil {
		return fmt.Errorf("retire leaderboard: %w", err)
	}
	return nil
}

// schedulePublish publishes the refreshed board at most once per
// interval per session. The SETNX gate also keeps multiple service
// instances from publishing the same board.
func (s *Service) schedulePublish(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(e.SessionID), e.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx, e)
}

func (s *Service) publish(ctx context.Context, e domain.EventScoreUpdated) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: e.SessionID,
		Channel:   e.Channel,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", e.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.timeKey(e.SessionID), e.UpdateTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) boardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) timeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
