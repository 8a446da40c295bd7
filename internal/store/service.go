package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service persists finished games. The live session state never
// touches the database; only final standings land here, keyed by
// session so a redelivered game.ended event cannot double-insert.
type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		return s.RecordGame(ctx, e.(domain.EventGameEnded))
	})

	return s
}

// RecordGame writes one finished game and its final standings.
func (s *Service) RecordGame(ctx context.Context, e domain.EventGameEnded) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertGame = `
INSERT INTO games (session_id, channel, rounds, ended_at)
VALUES ($1, $2, $3, $4);`

	_, err = tx.Exec(ctx, insertGame, e.SessionID, e.Channel, e.Rounds, time.Now())
	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	if err != nil {
		return err
	}

	const insertResult = `
INSERT INTO game_results (session_id, player_id, rank, score, correct, incorrect, eliminated)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	for rank, st := range e.FinalStandings {
		if _, err := tx.Exec(ctx, insertResult,
			e.SessionID, st.PlayerID, rank+1, st.Score, st.Correct, st.Incorrect, st.Eliminated,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// PlayerTotal is one player's all-time line for a channel.
type PlayerTotal struct {
	PlayerID string
	Score    decimal.Decimal
	Games    int
	Wins     int
}

type TopPlayersRequest struct {
	Channel string
	Limit   int
}

// TopPlayers returns all-time channel standings ordered by total score.
func (s *Service) TopPlayers(ctx context.Context, req TopPlayersRequest) ([]PlayerTotal, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}

	const stmt = `
SELECT r.player_id,
       SUM(r.score) AS total,
       COUNT(*) AS games,
       COUNT(*) FILTER (WHERE r.rank = 1) AS wins
FROM game_results r
JOIN games g ON g.session_id = r.session_id
WHERE g.channel = $1
GROUP BY r.player_id
ORDER BY total DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.Channel, req.Limit)
	if err != nil {
		return nil, err
	}

	totals, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (PlayerTotal, error) {
		var pt PlayerTotal
		if err := r.Scan(&pt.PlayerID, &pt.Score, &pt.Games, &pt.Wins); err != nil {
			return PlayerTotal{}, err
		}
		return pt, nil
	})
	if err != nil {
		return nil, err
	}

	return totals, nil
}

// GameRecord is one finished game row.
type GameRecord struct {
	SessionID string
	Channel   string
	Rounds    int
	EndedAt   time.Time
	Winner    string
}

type RecentGamesRequest struct {
	Channel string
	Limit   int
}

// RecentGames lists the latest finished games in a channel, newest first.
func (s *Service) RecentGames(ctx context.Context, req RecentGamesRequest) ([]GameRecord, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}

	const stmt = `
SELECT g.session_id, g.channel, g.rounds, g.ended_at,
       COALESCE((SELECT player_id FROM game_results WHERE session_id = g.session_id AND rank = 1), '')
FROM games g
WHERE g.channel = $1
ORDER BY g.ended_at DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.Channel, req.Limit)
	if err != nil {
		return nil, err
	}

	games, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (GameRecord, error) {
		var g GameRecord
		if err := r.Scan(&g.SessionID, &g.Channel, &g.Rounds, &g.EndedAt, &g.Winner); err != nil {
			return GameRecord{}, err
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}

	return games, nil
}

func isUniqueViolation(err error) bool {
	const codeUniqueViolation = "23505"
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
