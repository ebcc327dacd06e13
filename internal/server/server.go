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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/thaihoandev/quizlive/internal/engine"
	"github.com/thaihoandev/quizlive/internal/event"
	"github.com/thaihoandev/quizlive/internal/leaderboard"
	"github.com/thaihoandev/quizlive/internal/persist"
	"github.com/thaihoandev/quizlive/internal/publish"
	"github.com/thaihoandev/quizlive/internal/state"
	"github.com/thaihoandev/quizlive/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Game struct {
		TTLMinutes         int
		TerminalTTLMinutes int
	}

	Persist struct {
		IntervalSeconds int
	}
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		store     *state.Store
		ranker    *leaderboard.Ranker
		publisher *publish.Publisher
		sync      *persist.Sync
		engine    *engine.Engine
	}

	http      *http.Server
	cancelRun context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("server: recover: %w", err)
	}

	s.initHTTP()
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
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

	if err := persist.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	s.service.store = state.NewStore(state.Config{
		Redis:       s.infra.redis,
		Prefix:      s.c.Redis.Prefix,
		TTL:         time.Duration(s.c.Game.TTLMinutes) * time.Minute,
		TerminalTTL: time.Duration(s.c.Game.TerminalTTLMinutes) * time.Minute,
	})

	s.service.ranker = leaderboard.NewRanker(leaderboard.Config{
		Store: s.service.store,
	})

	s.service.publisher = publish.NewPublisher(publish.Config{
		Redis:  s.infra.redis,
		Store:  s.service.store,
		Bus:    s.eb,
		Prefix: s.c.Redis.Prefix,
	})

	s.service.sync = persist.NewSync(persist.Config{
		DB:       s.infra.postgres,
		Store:    s.service.store,
		Bus:      s.eb,
		Metrics:  s.metrics,
		Interval: time.Duration(s.c.Persist.IntervalSeconds) * time.Second,
	})

	s.service.engine = engine.New(engine.Config{
		Store:     s.service.store,
		Ranker:    s.service.ranker,
		Publisher: s.service.publisher,
		Syncer:    s.service.sync,
		Metrics:   s.metrics,
		NewTimer:  engine.StdTimer,
	})
}

func (s *Server) recover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.service.sync.Recover(ctx)
}

// Engine exposes the game engine to transport layers hosted elsewhere.
func (s *Server) Engine() *engine.Engine {
	return s.service.engine
}

func (s *Server) initHTTP() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", s.healthz)
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.infra.redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unreachable"})
		return
	}
	if err := s.infra.postgres.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unreachable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if err := s.service.sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.cancelRun != nil {
		s.cancelRun()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.engine.Stop()
	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
