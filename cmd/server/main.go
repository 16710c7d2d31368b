package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/auth"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/rides"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/taxi"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "taxi-dispatch")
	slog.SetDefault(logger)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ready, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.RoutesFile != "" {
		n, err := storage.LoadRoutesFile(ctx, store, cfg.RoutesFile)
		if err != nil {
			logger.Error("loading routes failed", "file", cfg.RoutesFile, "error", err)
			os.Exit(1)
		}
		logger.Info("routes loaded", "file", cfg.RoutesFile, "count", n)
	}

	var (
		dir    dispatch.ConnectionDirectory = dispatch.NewMemoryDirectory()
		notify dispatch.Notifier
		rdb    *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		dir = dispatch.NewRedisDirectory(rdb, cfg.RedisKeyPrefix, cfg.RedisConnTTL)
		ready = append(ready, redisPinger{rdb})
	}
	hub := dispatch.NewHub(dir, logger, cfg.WSSendBuffer)
	notify = hub
	if rdb != nil {
		relay := dispatch.NewRedisRelay(rdb, cfg.RedisRelayChannel, cfg.InstanceID, hub, logger)
		notify = relay
		defer relay.Close()
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	var telemetry httpapi.TelemetryPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTelemetryTopic)
		defer producer.Close()
		telemetry = producer
	}

	var tokens *auth.Tokens
	if cfg.AuthJWTSecret != "" {
		tokens = auth.NewTokens(cfg.AuthJWTSecret, cfg.AuthIssuer)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, trusting gateway identity headers")
	}

	engine := &rides.Engine{Store: store, Notify: notify, Logger: logger}
	taxis := &taxi.Service{Store: store, Notify: notify, Logger: logger, Reoffer: engine.Reoffer}

	api := httpapi.NewServer(httpapi.Deps{
		Routes:    store,
		Taxis:     taxis,
		Rides:     engine,
		Hub:       hub,
		Telemetry: telemetry,
		Tokens:    tokens,
		Ready:     ready,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr, "instance", cfg.InstanceID,
			"postgres", cfg.PGDSN != "", "redis", rdb != nil, "kafka", telemetry != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	hub.Close(shutdownCtx)
}

// openStore returns Postgres when PG_DSN is set and an in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, []httpapi.Pinger, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, keeping state in memory")
		return storage.NewMemoryStore(), nil, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationFile)
		if err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx, string(script)); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", cfg.MigrationFile)
	}
	return pg, []httpapi.Pinger{pg}, nil
}

type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }
