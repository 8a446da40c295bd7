package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/leaderboard"
)

func scoreUpdated(session, player string, score float64) domain.EventScoreUpdated {
	return domain.EventScoreUpdated{
		SessionID: session,
		Channel:   "c1",
		Standing: domain.Standing{
			PlayerID: player,
			Score:    decimal.NewFromFloat(score),
		},
		UpdateTime: time.Now(),
	}
}

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), scoreUpdated("s1", "p1", 10))
	require.NoError(t, err)
	err = s.UpdateLeaderboard(context.Background(), scoreUpdated("s1", "p2", 22))
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		SessionID: "s1",
		Channel:   "c1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		SessionID: "s1",
		Channel:   "c1",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p2", Score: 22},
			{PlayerID: "p1", Score: 10},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_RetireLeaderboard(t *testing.T) {
	s, rs := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), scoreUpdated("s1", "p1", 10))
	require.NoError(t, err)

	err = s.RetireLeaderboard(context.Background(), domain.EventGameEnded{SessionID: "s1", Channel: "c1"})
	require.NoError(t, err)

	// The board survives until the retention window lapses.
	_, err = s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)

	rs.FastForward(2 * time.Hour)

	_, err = s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.Error(t, err)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventScoreUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish one leaderboard.updated after receiving score.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						scoreUpdated("s1", "p1", 10),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionID: "s1",
					Channel:   "c1",
					Entries: []domain.LeaderboardEntry{
						{PlayerID: "p1", Score: 10},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events for score updates in 2 different sessions": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						scoreUpdated("s1", "p1", 10),
						scoreUpdated("s2", "p2", 22),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"should publish 1 event for score updates in the same session within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						scoreUpdated("s1", "p1", 10),
						scoreUpdated("s1", "p2", 22),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, _ := makeService(t, withEventBus(eb))

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
