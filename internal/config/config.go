package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr       string
	DatabaseURL      string
	JWTSecret        string
	ProtocolProvider string
	AutoMigrate      bool

	PairingMaxAttempts   int
	PairingTTL           time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	ReconnectMaxDelay    time.Duration

	WebhookTimeout       time.Duration
	WebhookMaxRetries    int
	WebhookRetrySchedule []time.Duration
	WebhookWorkers       int
	WebhookQueueSize     int
	WebhookMaxRPS        float64
	WebhookBreaker       bool

	CredentialHourlyLimit int
	QuotaBackend          string
	RedisURL              string

	CredentialsBackend string
	S3Bucket           string
	S3Region           string

	NATSURL       string
	ShutdownGrace time.Duration
	LogLevel      string
	LogFormat     string
}

// LoadFromEnv reads LINKGATE_* variables. A .env file in the working
// directory, when present, is loaded first without overriding the
// environment.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()

	schedule, err := parseDurationsMS(envOrDefault("LINKGATE_WEBHOOK_RETRY_SCHEDULE_MS", "1000,5000,15000"))
	if err != nil {
		return Config{}, fmt.Errorf("LINKGATE_WEBHOOK_RETRY_SCHEDULE_MS: %w", err)
	}
	maxRPS, err := strconv.ParseFloat(envOrDefault("LINKGATE_WEBHOOK_MAX_RPS", "0"), 64)
	if err != nil || maxRPS < 0 {
		return Config{}, fmt.Errorf("LINKGATE_WEBHOOK_MAX_RPS must be a non-negative number")
	}

	cfg := Config{
		ListenAddr:       envOrDefault("LINKGATE_LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("LINKGATE_DATABASE_URL"),
		JWTSecret:        os.Getenv("LINKGATE_JWT_SECRET"),
		ProtocolProvider: envOrDefault("LINKGATE_PROTOCOL_PROVIDER", "fake"),
		AutoMigrate:      parseBool(os.Getenv("LINKGATE_AUTO_MIGRATE")),

		PairingMaxAttempts:   ParsePositiveIntEnv("LINKGATE_PAIRING_MAX_ATTEMPTS", 3),
		PairingTTL:           time.Duration(ParsePositiveIntEnv("LINKGATE_PAIRING_TTL_SECONDS", 60)) * time.Second,
		ReconnectBase:        time.Duration(ParsePositiveIntEnv("LINKGATE_RECONNECT_BASE_MS", 5000)) * time.Millisecond,
		ReconnectMaxAttempts: ParsePositiveIntEnv("LINKGATE_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectMaxDelay:    time.Duration(ParsePositiveIntEnv("LINKGATE_RECONNECT_MAX_DELAY_MS", 0)) * time.Millisecond,

		WebhookTimeout:       time.Duration(ParsePositiveIntEnv("LINKGATE_WEBHOOK_TIMEOUT_SECONDS", 30)) * time.Second,
		WebhookMaxRetries:    ParsePositiveIntEnv("LINKGATE_WEBHOOK_MAX_RETRIES", 3),
		WebhookRetrySchedule: schedule,
		WebhookWorkers:       ParsePositiveIntEnv("LINKGATE_WEBHOOK_WORKERS", 8),
		WebhookQueueSize:     ParsePositiveIntEnv("LINKGATE_WEBHOOK_QUEUE_SIZE", 1024),
		WebhookMaxRPS:        maxRPS,
		WebhookBreaker:       parseBool(os.Getenv("LINKGATE_WEBHOOK_BREAKER")),

		CredentialHourlyLimit: ParsePositiveIntEnv("LINKGATE_CREDENTIAL_HOURLY_LIMIT", 1000),
		QuotaBackend:          envOrDefault("LINKGATE_QUOTA_BACKEND", "memory"),
		RedisURL:              os.Getenv("LINKGATE_REDIS_URL"),

		CredentialsBackend: envOrDefault("LINKGATE_CREDENTIALS_BACKEND", "postgres"),
		S3Bucket:           os.Getenv("LINKGATE_S3_BUCKET"),
		S3Region:           envOrDefault("LINKGATE_S3_REGION", "us-east-1"),

		NATSURL:       os.Getenv("LINKGATE_NATS_URL"),
		ShutdownGrace: time.Duration(ParsePositiveIntEnv("LINKGATE_SHUTDOWN_GRACE_SECONDS", 15)) * time.Second,
		LogLevel:      envOrDefault("LINKGATE_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("LINKGATE_LOG_FORMAT", "json"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("LINKGATE_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("LINKGATE_JWT_SECRET is required")
	}
	if cfg.ProtocolProvider != "fake" {
		return Config{}, fmt.Errorf("LINKGATE_PROTOCOL_PROVIDER must be fake")
	}
	switch cfg.QuotaBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("LINKGATE_REDIS_URL is required for redis quota backend")
		}
	default:
		return Config{}, fmt.Errorf("LINKGATE_QUOTA_BACKEND must be one of memory|redis")
	}
	switch cfg.CredentialsBackend {
	case "postgres":
	case "s3":
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("LINKGATE_S3_BUCKET is required for s3 credentials backend")
		}
	default:
		return Config{}, fmt.Errorf("LINKGATE_CREDENTIALS_BACKEND must be one of postgres|s3")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func parseDurationsMS(v string) ([]time.Duration, error) {
	parts := splitCSV(v)
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one delay is required")
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid delay %q", p)
		}
		out = append(out, time.Duration(n)*time.Millisecond)
	}
	return out, nil
}
