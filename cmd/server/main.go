package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kasirinaja/register/internal/cache"
	"kasirinaja/register/internal/cashsession"
	"kasirinaja/register/internal/checkout"
	"kasirinaja/register/internal/config"
	"kasirinaja/register/internal/events"
	"kasirinaja/register/internal/heldsale"
	"kasirinaja/register/internal/httpapi"
	"kasirinaja/register/internal/jobs"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/service"
	"kasirinaja/register/internal/store"
	"kasirinaja/register/internal/store/memory"
	pgstore "kasirinaja/register/internal/store/postgres"
	redisstore "kasirinaja/register/internal/store/redis"
)

// backend is everything the register persists outside held sales.
type backend interface {
	store.CatalogLookup
	store.CustomerLookup
	store.SaleStore
	store.SessionStore
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("register stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	heldBackend, err := cfg.HeldSales()
	if err != nil {
		return err
	}

	closers := make([]func() error, 0, 4)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	var (
		repo  backend
		pg    *pgstore.Store
		ready func() error
	)
	if cfg.DatabaseURL != "" {
		pg, err = pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				return err
			}
		}
		repo = pg
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pg.Ping(pingCtx)
		}
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.DefaultTenantID)
		logger.Info("repository: in-memory", zap.String("tenant_id", cfg.DefaultTenantID))
	}

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if heldBackend == config.BackendRedis {
				return fmt.Errorf("redis unavailable and held sales are stored there: %w", err)
			}
			logger.Warn("redis unavailable, using noop catalog cache", zap.Error(err))
		} else {
			redisClient = client
			closers = append(closers, client.Close)
		}
	}

	var heldRepo store.HeldSaleRepository
	switch heldBackend {
	case config.BackendRedis:
		heldRepo = redisstore.NewHeldSaleStore(redisClient)
	case config.BackendPostgres:
		heldRepo = pg
	default:
		if mem, ok := repo.(*memory.Store); ok {
			heldRepo = mem
		} else {
			heldRepo = memory.New()
		}
	}
	logger.Info("held sales backend", zap.String("backend", heldBackend))

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	if redisClient != nil {
		catalogCache = cache.NewRedisCatalogCache(redisClient)
	}
	catalog := cache.NewCachedCatalog(repo, catalogCache, cfg.CatalogCacheTTL(), logger.Named("catalog"))

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, events.WithKafkaLogger(logger.Named("events")))
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	closers = append(closers, publisher.Close)

	m := metrics.New()
	sessions := cashsession.NewManager(repo, repo,
		cashsession.WithLocation(loc),
		cashsession.WithLogger(logger.Named("cashsession")),
		cashsession.WithMetrics(m),
		cashsession.WithPublisher(publisher),
	)
	held := heldsale.NewQueue(heldRepo, heldsale.WithLogger(logger.Named("heldsale")))
	finalizer := checkout.NewFinalizer(sessions, repo, held,
		checkout.WithLogger(logger.Named("checkout")),
		checkout.WithMetrics(m),
		checkout.WithPublisher(publisher),
	)
	svc := service.New(sessions, held, finalizer, catalog, repo,
		service.WithLogger(logger.Named("service")),
		service.WithMetrics(m),
	)
	api := httpapi.New(svc, httpapi.NewTokenVerifier(cfg.AuthSecret, cfg.AuthIssuer),
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithMetrics(m),
		httpapi.WithAllowedOrigin(cfg.AllowedOrigin),
		httpapi.WithReadiness(ready),
	)

	sweeper := jobs.NewSweeper(sessions, logger.Named("jobs"), m)
	if err := sweeper.Start(cfg.StaleSessionSweep(), loc); err != nil {
		return err
	}
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("register listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin, not *")
	}
	return nil
}
