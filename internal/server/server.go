package server

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/victornm/liveroom/internal/access"
	"github.com/victornm/liveroom/internal/api"
	"github.com/victornm/liveroom/internal/debounce"
	"github.com/victornm/liveroom/internal/directory"
	"github.com/victornm/liveroom/internal/event"
	"github.com/victornm/liveroom/internal/hub"
	"github.com/victornm/liveroom/internal/identity"
	"github.com/victornm/liveroom/internal/leaderboard"
	"github.com/victornm/liveroom/internal/provision"
	"github.com/victornm/liveroom/internal/quiz"
	"github.com/victornm/liveroom/internal/room"
	"github.com/victornm/liveroom/internal/telemetry"
	"github.com/victornm/liveroom/internal/whiteboard"
)

type Config struct {
	Log struct {
		Level string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
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
		Directory struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	OIDC struct {
		IssuerURL string
		ClientID  string
	}

	Provision struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}

	Room struct {
		AccessTTL       time.Duration
		PersistDebounce time.Duration
		QuizCloseGrace  time.Duration
		AllowedOrigins  []string
	}
}

// DefaultConfig returns the configuration used for every value that is not
// set in the config file or the environment.
func DefaultConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Leaderboard.Addrs = []string{"localhost:6379"}
	c.Redis.Leaderboard.Prefix = "liveroom"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "liveroom"
	c.Postgres.Directory.Addr = "localhost:5432"
	c.Postgres.Directory.Name = "liveroom"
	c.Provision.Timeout = 10 * time.Second
	c.Room.AccessTTL = 5 * time.Second
	c.Room.PersistDebounce = 1500 * time.Millisecond
	c.Room.QuizCloseGrace = 500 * time.Millisecond
	return c
}

type Server struct {
	c Config

	eb  *event.Bus
	deb *debounce.Debouncer

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			directory *pgxpool.Pool
		}
	}

	service struct {
		directory   *directory.Store
		verifier    identity.Verifier
		whiteboard  *whiteboard.Synchronizer
		quiz        *quiz.Engine
		rooms       *room.Manager
		leaderboard *leaderboard.Service
		provision   *provision.Client
	}

	hub    *hub.Router
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.deb = debounce.New()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

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
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
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
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
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

	pc := s.c.Postgres.Directory
	s.infra.postgres.directory, err = connect(pc.Addr, pc.User, pc.Pass, pc.Name)
	if err != nil {
		return fmt.Errorf("postgres: directory: %w", err)
	}

	return nil
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.service.directory = directory.NewStore(directory.Config{
		DB: s.infra.postgres.directory,
	})
	if err := s.service.directory.Migrate(ctx); err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	verifier, err := identity.NewOIDCVerifier(ctx, identity.Config{
		IssuerURL: s.c.OIDC.IssuerURL,
		ClientID:  s.c.OIDC.ClientID,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	s.service.verifier = verifier

	s.service.whiteboard = whiteboard.NewSynchronizer(whiteboard.Config{
		Store:        s.service.directory,
		Debouncer:    s.deb,
		PersistDelay: s.c.Room.PersistDebounce,
	})

	s.service.quiz = quiz.NewEngine(quiz.Config{
		Store:        s.service.directory,
		Bus:          s.eb,
		Debouncer:    s.deb,
		PersistDelay: s.c.Room.PersistDebounce,
		CloseGrace:   s.c.Room.QuizCloseGrace,
	})

	controls := hub.NewControls()

	s.service.rooms = room.NewManager(room.Config{
		Rooms:    s.service.directory,
		Evicters: []room.Evicter{s.service.whiteboard, s.service.quiz, controls},
		EventBus: s.eb,
	})

	s.hub = hub.NewRouter(hub.Config{
		Verifier: s.service.verifier,
		Authorizer: access.NewAuthorizer(access.Config{
			Directory: s.service.directory,
			TTL:       s.c.Room.AccessTTL,
		}),
		Whiteboard:     s.service.whiteboard,
		Quiz:           s.service.quiz,
		Rooms:          s.service.rooms,
		Controls:       controls,
		Settings:       s.service.directory,
		AllowedOrigins: s.c.Room.AllowedOrigins,
	})
	s.service.quiz.OnExpire(s.hub.ExpireRound)

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.provision = provision.NewClient(provision.Config{
		BaseURL: s.c.Provision.BaseURL,
		APIKey:  s.c.Provision.APIKey,
		Timeout: s.c.Provision.Timeout,
	})
	s.service.provision.Subscribe(s.eb)

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Verifier:     s.service.verifier,
		Hub:          http.HandlerFunc(s.hub.ServeWS),
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

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

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
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

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops accepting work, disconnects clients without finalizing their
// rooms and flushes every pending write.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.health.Shutdown()

	s.hub.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.quiz.StopTimers()
	s.deb.FlushAll()

	s.grpc.GracefulStop()
	s.eb.Stop()

	if err := s.infra.redis.leaderboard.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close leaderboard redis failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close pubsub redis failed", "error", err)
	}
	s.infra.postgres.directory.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
