package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/config"
	"github.com/ehr/telehealth/internal/domain/carerequest"
	"github.com/ehr/telehealth/internal/domain/doctor"
	"github.com/ehr/telehealth/internal/domain/room"
	"github.com/ehr/telehealth/internal/domain/signaling"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/cache"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/middleware"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

const (
	version          = "0.1.0"
	natsPushSubject  = "telehealth.push"
	shutdownDeadline = 10 * time.Second
)

// services is the wired domain layer shared by serve and sweep.
type services struct {
	doctors  *doctor.Service
	rooms    *room.Service
	requests *carerequest.Service
	signals  *signaling.Service
	sweeper  *carerequest.Sweeper
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, rdb redis.UniversalClient, broker websocket.Broker, logger zerolog.Logger) *services {
	tx := db.NewTxRunner(pool)

	doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), logger)
	roomSvc := room.NewService(room.NewRepoPG(pool), tx, broker, logger)
	matcher := carerequest.NewMatcher(doctorSvc, cfg.PreferredSpecialty)
	requestSvc := carerequest.NewService(carerequest.NewRepoPG(pool), tx, roomSvc, matcher, broker, cfg.EscalationRiskLevels, logger)
	roomSvc.SetRequestCompleter(requestSvc)

	queue := signaling.NewQueue(rdb, cfg.SignalRetention, cfg.SignalQueueMax)

	return &services{
		doctors:  doctorSvc,
		rooms:    roomSvc,
		requests: requestSvc,
		signals:  signaling.NewService(queue, roomSvc, broker, logger),
		sweeper:  carerequest.NewSweeper(requestSvc, cfg.PendingRequestTTL, cfg.SweepInterval, logger),
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// newBroker selects the push fan-out. Every instance behind a load balancer
// must use the same broker kind.
func newBroker(cfg *config.Config, hub *websocket.Hub, rdb redis.UniversalClient, logger zerolog.Logger) (websocket.Broker, error) {
	switch cfg.PushBroker {
	case "local":
		return websocket.NewLocalBroker(hub), nil
	case "redis":
		return websocket.NewRedisBroker(hub, rdb, websocket.DefaultPushChannel, logger), nil
	case "nats":
		b, err := websocket.NewNATSBroker(hub, cfg.NATSURL, natsPushSubject, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown push broker %q", cfg.PushBroker)
	}
}

// newVerifier returns nil when no token source is configured, which only
// Validate permits in development.
func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	if key == nil && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" {
		return nil, nil
	}
	return auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	})
}

// newEcho builds the server with global middleware, health and metrics
// endpoints, and returns the rate-limited /api/v1 group.
func newEcho(cfg *config.Config, logger zerolog.Logger, verifier *auth.Verifier, hub *websocket.Hub) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID",
			auth.DevUserHeader, auth.DevRoleHeader, auth.DevNameHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"connections": hub.ClientCount(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(verifier))
	} else {
		apiV1.Use(auth.JWTMiddleware(verifier))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	return e, apiV1
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	logger.Info().Msg("connected to redis")

	hub := websocket.NewHub(logger)
	broker, err := newBroker(cfg, hub, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start push broker")
	}
	defer broker.Close()

	verifier, err := newVerifier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verification")
	}

	svcs := newServices(cfg, pool, rdb, broker, logger)

	e, apiV1 := newEcho(cfg, logger, verifier, hub)
	e.GET("/health/db", db.PoolHealthHandler(pool))
	e.GET("/health/redis", cache.HealthHandler(rdb))

	doctor.NewHandler(svcs.doctors).RegisterRoutes(apiV1)
	room.NewHandler(svcs.rooms).RegisterRoutes(apiV1)
	carerequest.NewHandler(svcs.requests).RegisterRoutes(apiV1)
	signaling.NewHandler(svcs.signals).RegisterRoutes(apiV1)
	upgrader := websocket.NewUpgrader(hub, cfg.CORSOrigins)
	signaling.NewGateway(svcs.signals, hub, upgrader, logger).RegisterRoutes(apiV1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("push_broker", cfg.PushBroker).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return broker.Run(gctx) })
	g.Go(func() error { return svcs.sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runSweep expires stale requests once. Expiry pushes go through the
// configured broker so connected clients on running instances hear them.
func runSweep() error {
	logger := newLogger(os.Getenv("ENV"), os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	broker, err := newBroker(cfg, websocket.NewHub(logger), rdb, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	n, err := newServices(cfg, pool, rdb, broker, logger).sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d pending request(s).\n", n)
	return nil
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Drifted {
				status = "drifted"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
