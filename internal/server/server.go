package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/peerprep/internal/api"
	"github.com/victornm/peerprep/internal/attempt"
	"github.com/victornm/peerprep/internal/auth"
	"github.com/victornm/peerprep/internal/collab"
	"github.com/victornm/peerprep/internal/event"
	"github.com/victornm/peerprep/internal/execution"
	"github.com/victornm/peerprep/internal/match"
	"github.com/victornm/peerprep/internal/progress"
	"github.com/victornm/peerprep/internal/question"
	"github.com/victornm/peerprep/internal/session"
	"github.com/victornm/peerprep/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string `validate:"min=1"`
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32 `validate:"gt=0"`
	}

	GRPC struct {
		Port int32 `validate:"gt=0"`
	}

	Redis struct {
		Match    RedisConfig
		Pubsub   RedisConfig
		Document RedisConfig
		Progress RedisConfig
	}

	Postgres struct {
		Session struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Match struct {
		Timeout       time.Duration `validate:"gt=0"`
		SweepInterval time.Duration `validate:"gt=0"`
	}

	Collab struct {
		SnapshotTTL   time.Duration
		SnapshotDelay time.Duration
	}

	Execution struct {
		URL     string `validate:"required,url"`
		Timeout time.Duration
	}

	Auth struct {
		Secret string
	}

	Log     telemetry.LogConfig
	Tracing telemetry.TracingConfig
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			match    redis.UniversalClient
			pubsub   redis.UniversalClient
			document redis.UniversalClient
			progress redis.UniversalClient
		}

		postgres struct {
			session *pgxpool.Pool
		}
	}

	service struct {
		session   *session.Service
		question  *question.Service
		attempt   *attempt.Service
		progress  *progress.Service
		match     *match.Service
		execution *execution.Client
	}

	hub *collab.Hub

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	logCloser     io.Closer
	traceShutdown func(context.Context) error
	stopSweeper   context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.logCloser = telemetry.InitLogger(c.Log)

	var err error
	s.traceShutdown, err = telemetry.InitTracer(context.Background(), c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("server: init tracer: %w", err)
	}

	s.eb = event.NewBus()

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
	connect := func(name string, c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(name, r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.match, err = connect("match", s.c.Redis.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	s.infra.redis.document, err = connect("document", s.c.Redis.Document)
	if err != nil {
		return fmt.Errorf("document: %w", err)
	}

	s.infra.redis.progress, err = connect("progress", s.c.Redis.Progress)
	if err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	pg := s.c.Postgres.Session
	s.infra.postgres.session, err = connect(pg.Addr, pg.User, pg.Pass, pg.Name)
	if err != nil {
		return fmt.Errorf("postgres: session: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	db := s.infra.postgres.session

	s.service.session = session.NewService(session.Config{
		DB:       db,
		EventBus: s.eb,
	})

	s.service.question = question.NewService(question.Config{
		DB: db,
	})

	s.service.attempt = attempt.NewService(attempt.Config{
		DB:       db,
		EventBus: s.eb,
	})

	s.service.progress = progress.NewService(progress.Config{
		EventBus:  s.eb,
		Questions: s.service.question,
		Redis:     s.infra.redis.progress,
		Prefix:    s.c.Redis.Progress.Prefix,
	})

	s.service.match = match.NewService(match.Config{
		EventBus:      s.eb,
		Redis:         s.infra.redis.match,
		Prefix:        s.c.Redis.Match.Prefix,
		Sessions:      s.service.session,
		Questions:     s.service.question,
		Timeout:       s.c.Match.Timeout,
		SweepInterval: s.c.Match.SweepInterval,
	})

	s.service.execution = execution.NewClient(execution.Config{
		URL:     s.c.Execution.URL,
		Timeout: s.c.Execution.Timeout,
	})

	s.hub = collab.NewHub(collab.Config{
		EventBus:      s.eb,
		Redis:         s.infra.redis.document,
		Prefix:        s.c.Redis.Document.Prefix,
		Sessions:      s.service.session,
		Executor:      s.service.execution,
		SnapshotTTL:   s.c.Collab.SnapshotTTL,
		SnapshotDelay: s.c.Collab.SnapshotDelay,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Auth:         auth.NewVerifier(auth.Config{Secret: s.c.Auth.Secret}),
		Match:        s.service.match,
		Session:      s.service.session,
		Question:     s.service.question,
		Attempt:      s.service.attempt,
		Progress:     s.service.progress,
		Collab:       s.hub,
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

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		s.service.match.RunSweeper(sweepCtx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	if s.stopSweeper != nil {
		s.stopSweeper()
	}

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.hub.Shutdown()
	s.eb.Stop()

	s.infra.postgres.session.Close()
	for _, r := range []redis.UniversalClient{s.infra.redis.match, s.infra.redis.pubsub, s.infra.redis.document, s.infra.redis.progress} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: flush traces failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
	_ = s.logCloser.Close()
}
