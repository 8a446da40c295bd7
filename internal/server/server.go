package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kusogaki/gtaquiz/internal/api"
	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/event"
	"github.com/kusogaki/gtaquiz/internal/game"
	"github.com/kusogaki/gtaquiz/internal/leaderboard"
	"github.com/kusogaki/gtaquiz/internal/metadata"
	"github.com/kusogaki/gtaquiz/internal/question"
	"github.com/kusogaki/gtaquiz/internal/round"
	"github.com/kusogaki/gtaquiz/internal/store"
	"github.com/kusogaki/gtaquiz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Store struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	AniList struct {
		BaseURL string
		PerPage int
	}

	Quiz struct {
		CacheCapacity        int
		MaxConcurrentFetches int64
		Options              int
		GuessTimeSeconds     int
		CountdownSeconds     int
		StartingLives        int
		AllowLateJoin        bool
	}
}

type Server struct {
	c Config

	eb  *event.Bus
	reg *prometheus.Registry

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		rounds      *round.Service
		game        *game.Manager
		leaderboard *leaderboard.Service
		store       *store.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.reg = prometheus.NewRegistry()
	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres.Store
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	metrics := telemetry.NewMetrics(s.reg)

	fetcher := metadata.NewAniList(metadata.AniListConfig{
		BaseURL: s.c.AniList.BaseURL,
		PerPage: s.c.AniList.PerPage,
	})

	cache := metadata.NewCache(metadata.Config{
		Fetcher:              fetcher,
		Capacity:             s.c.Quiz.CacheCapacity,
		MaxConcurrentFetches: s.c.Quiz.MaxConcurrentFetches,
		Metrics:              metrics,
	})

	bank := question.NewBank(question.Config{
		Cache:  cache,
		Source: fetcher,
	})

	s.service.rounds = round.NewService(round.Config{
		Bus:       s.eb,
		Bank:      bank,
		Metrics:   metrics,
		Options:   s.c.Quiz.Options,
		GuessTime: time.Duration(s.c.Quiz.GuessTimeSeconds) * time.Second,
	})

	s.service.game = game.NewManager(game.Config{
		Bus:           s.eb,
		Rounds:        s.service.rounds,
		Countdown:     time.Duration(s.c.Quiz.CountdownSeconds) * time.Second,
		StartingLives: s.c.Quiz.StartingLives,
		AllowLateJoin: s.c.Quiz.AllowLateJoin,
		DefaultMode:   domain.DifficultyMode{Adaptive: true},
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.store = store.NewService(store.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Game:         s.service.game,
		Leaderboard:  s.service.leaderboard,
		Store:        s.service.store,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Drain in-flight event handlers before closing shared infra.
	s.eb.Stop()

	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
