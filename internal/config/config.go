package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup: without PG_DSN the
// server keeps state in memory, without REDIS_ADDR connections are tracked
// per instance and without KAFKA_BROKERS telemetry is applied inline.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	MigrationFile string
	RoutesFile    string

	RedisAddr         string
	RedisPassword     string
	RedisKeyPrefix    string
	RedisConnTTL      time.Duration
	RedisRelayChannel string

	KafkaBrokers        []string
	KafkaTelemetryTopic string

	AuthJWTSecret string
	AuthIssuer    string

	WSSendBuffer int
	InstanceID   string
	LogLevel     string
}

// ConsumerConfig configures the telemetry consumer process.
type ConsumerConfig struct {
	MetricsAddr string

	PGDSN string

	RedisAddr         string
	RedisPassword     string
	RedisRelayChannel string

	KafkaBrokers        []string
	KafkaTelemetryTopic string
	KafkaGroup          string

	ApplyAttempts int
	ApplyBackoff  time.Duration

	InstanceID string
	LogLevel   string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		MigrationFile:       "migrations/001_create_dispatch.sql",
		RedisKeyPrefix:      "taxi-dispatch",
		RedisConnTTL:        2 * time.Minute,
		RedisRelayChannel:   "taxi-dispatch:events",
		KafkaTelemetryTopic: "taxi-telemetry",
		AuthIssuer:          "taxi-dispatch",
		WSSendBuffer:        64,
		LogLevel:            "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:         ":2112",
		RedisRelayChannel:   "taxi-dispatch:events",
		KafkaTelemetryTopic: "taxi-telemetry",
		KafkaGroup:          "taxi-dispatch-telemetry",
		ApplyAttempts:       3,
		ApplyBackoff:        200 * time.Millisecond,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")
	setStringFromEnv(&cfg.RoutesFile, "ROUTES_FILE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	setDurationFromEnv(&cfg.RedisConnTTL, "REDIS_CONN_TTL", &errs)
	setStringFromEnv(&cfg.RedisRelayChannel, "REDIS_RELAY_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTelemetryTopic, "KAFKA_TELEMETRY_TOPIC")

	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	setStringFromEnv(&cfg.AuthIssuer, "AUTH_ISSUER")

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	requirePositive(&errs, []namedDuration{
		{"HTTP_READ_TIMEOUT", cfg.ReadTimeout},
		{"HTTP_WRITE_TIMEOUT", cfg.WriteTimeout},
		{"HTTP_IDLE_TIMEOUT", cfg.IdleTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
		{"REDIS_CONN_TTL", cfg.RedisConnTTL},
	})

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisRelayChannel, "REDIS_RELAY_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTelemetryTopic, "KAFKA_TELEMETRY_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setIntFromEnv(&cfg.ApplyAttempts, "TELEMETRY_APPLY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ApplyBackoff, "TELEMETRY_APPLY_BACKOFF", &errs)
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.ApplyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_APPLY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

type namedDuration struct {
	key string
	d   time.Duration
}

func requirePositive(errs *[]error, durations []namedDuration) {
	for _, nd := range durations {
		if nd.d <= 0 {
			*errs = append(*errs, fmt.Errorf("%s must be > 0", nd.key))
		}
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
