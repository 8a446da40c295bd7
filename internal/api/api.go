package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/game"
	"github.com/kusogaki/gtaquiz/internal/leaderboard"
	"github.com/kusogaki/gtaquiz/internal/store"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Game         *game.Manager
	Leaderboard  *leaderboard.Service
	Store        *store.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// API is the HTTP command surface. Commands do not act on the game
// directly; they are published to the event bus and the response only
// acknowledges acceptance. Query endpoints read the live state.
type API struct {
	eb *event.Bus
	gm *game.Manager
	ls *leaderboard.Service
	st *store.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		eb:     c.EventBus,
		gm:     c.Game,
		ls:     c.Leaderboard,
		st:     c.Store,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/channels/:channel/start", a.StartGame)
	v1.POST("/channels/:channel/join", a.JoinGame)
	v1.POST("/channels/:channel/answers", a.SubmitAnswer)
	v1.POST("/channels/:channel/stop", a.StopGame)
	v1.GET("/channels/:channel/session", a.GetSession)
	v1.GET("/channels/:channel/standings", a.GetStandings)
	v1.GET("/channels/:channel/top", a.GetTopPlayers)
	v1.GET("/channels/:channel/games", a.GetRecentGames)
	v1.GET("/leaderboards/:session", a.GetLeaderboard)

	// Outbound events fan out to chat clients over redis pub/sub.
	c.EventBus.Subscribe(domain.EventNameRoundStarted, func(ctx context.Context, e event.Event) error {
		return a.PublishRoundStarted(ctx, e.(domain.EventRoundStarted))
	})
	c.EventBus.Subscribe(domain.EventNameAnswerAcknowledged, func(ctx context.Context, e event.Event) error {
		return a.PublishAnswerAcknowledged(ctx, e.(domain.EventAnswerAcknowledged))
	})
	c.EventBus.Subscribe(domain.EventNameRoundResolved, func(ctx context.Context, e event.Event) error {
		return a.PublishRoundResolved(ctx, e.(domain.EventRoundResolved))
	})
	c.EventBus.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		return a.PublishGameEnded(ctx, e.(domain.EventGameEnded))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

type StartGameRequest struct {
	StartedBy string `json:"started_by"`
	// Mode is "adaptive" (default) or a fixed tier name.
	Mode string `json:"mode"`
}

func (a *API) StartGame(c *gin.Context) {
	var req StartGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventStartGame{
		Channel:   c.Param("channel"),
		StartedBy: req.StartedBy,
		Mode:      parseMode(req.Mode),
	})

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

type JoinGameRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

func (a *API) JoinGame(c *gin.Context) {
	var req JoinGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventJoinGame{
		Channel:  c.Param("channel"),
		PlayerID: req.PlayerID,
	})

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

type SubmitAnswerRequest struct {
	PlayerID    string `json:"player_id" binding:"required"`
	OptionIndex *int   `json:"option_index" binding:"required"`
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventSubmitAnswer{
		Channel:     c.Param("channel"),
		PlayerID:    req.PlayerID,
		OptionIndex: *req.OptionIndex,
	})

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (a *API) StopGame(c *gin.Context) {
	a.eb.Publish(c.Request.Context(), domain.EventStopGame{
		Channel: c.Param("channel"),
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (a *API) GetSession(c *gin.Context) {
	ss, ok := a.gm.Snapshot(c.Param("channel"))
	if !ok {
		renderError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no running game: channel=%s", c.Param("channel"))))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":  ss.SessionID,
		"channel":     ss.Channel,
		"state":       string(ss.State),
		"players":     ss.Players,
		"round_count": ss.RoundCount,
	})
}

func (a *API) GetStandings(c *gin.Context) {
	standings, ok := a.gm.Standings(c.Param("channel"))
	if !ok {
		renderError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no running game: channel=%s", c.Param("channel"))))
		return
	}

	c.JSON(http.StatusOK, gin.H{"standings": standingsJSON(standings)})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("session"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, leaderboardJSON(*l))
}

func (a *API) GetTopPlayers(c *gin.Context) {
	totals, err := a.st.TopPlayers(c.Request.Context(), store.TopPlayersRequest{
		Channel: c.Param("channel"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	rows := make([]gin.H, 0, len(totals))
	for _, pt := range totals {
		rows = append(rows, gin.H{
			"player_id": pt.PlayerID,
			"score":     pt.Score.String(),
			"games":     pt.Games,
			"wins":      pt.Wins,
		})
	}
	c.JSON(http.StatusOK, gin.H{"players": rows})
}

func (a *API) GetRecentGames(c *gin.Context) {
	games, err := a.st.RecentGames(c.Request.Context(), store.RecentGamesRequest{
		Channel: c.Param("channel"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	rows := make([]gin.H, 0, len(games))
	for _, g := range games {
		rows = append(rows, gin.H{
			"session_id": g.SessionID,
			"rounds":     g.Rounds,
			"ended_at":   g.EndedAt,
			"winner":     g.Winner,
		})
	}
	c.JSON(http.StatusOK, gin.H{"games": rows})
}

func parseMode(s string) domain.DifficultyMode {
	switch s {
	case "", "adaptive":
		return domain.DifficultyMode{Adaptive: true}
	default:
		return domain.DifficultyMode{Fixed: domain.ParseTier(s)}
	}
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"error": e.Error()})
}
