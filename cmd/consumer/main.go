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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/taxi"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total telemetry messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total telemetry messages that could not be decoded or were rejected",
	})
	applied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_telemetry_applied_total",
		Help: "Total telemetry messages applied to the taxi registry",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total telemetry messages dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applied, applyErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "taxi-telemetry-consumer")
	slog.SetDefault(logger)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// The consumer holds no websocket connections; taxi updates are relayed
	// to the API instances that do.
	var notify dispatch.Notifier = dispatch.NopNotifier{}
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		relay := dispatch.NewRedisRelay(rc, cfg.RedisRelayChannel, cfg.InstanceID, nil, logger)
		defer relay.Close()
		notify = relay
	} else {
		logger.Warn("REDIS_ADDR not set, telemetry updates will not reach connected clients")
	}
	svc := &taxi.Service{Store: store, Notify: notify, Logger: logger}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
				return
			}
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTelemetryTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTelemetryTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		tm, err := ingest.DecodeTelemetry(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid telemetry message", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, svc, tm, cfg.ApplyAttempts, cfg.ApplyBackoff); err != nil {
			if models.KindOf(err) != models.KindInternal {
				msgsInvalid.Inc()
				logger.Warn("telemetry rejected", "taxi_id", tm.TaxiID, "error", err)
				continue
			}
			applyErrors.Inc()
			logger.Error("telemetry apply failed", "taxi_id", tm.TaxiID, "error", err)
			continue
		}
		applied.Inc()
	}
}

// TelemetryApplier is the part of the taxi registry the consumer needs.
type TelemetryApplier interface {
	ApplyTelemetry(ctx context.Context, tm models.TaxiTelemetry) (*models.Taxi, error)
}

// applyWithRetry applies tm, retrying with doubling backoff on infrastructure
// errors. Domain errors (unknown taxi, invalid stop) are returned at once.
func applyWithRetry(ctx context.Context, a TelemetryApplier, tm models.TaxiTelemetry, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = a.ApplyTelemetry(ctx, tm); err == nil {
			return nil
		}
		if models.KindOf(err) != models.KindInternal {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
