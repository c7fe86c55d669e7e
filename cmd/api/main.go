package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/api"
	"github.com/telemyapp/linkgate/internal/config"
	"github.com/telemyapp/linkgate/internal/credentials"
	"github.com/telemyapp/linkgate/internal/jobs"
	"github.com/telemyapp/linkgate/internal/logging"
	"github.com/telemyapp/linkgate/internal/protocol"
	"github.com/telemyapp/linkgate/internal/quota"
	"github.com/telemyapp/linkgate/internal/session"
	"github.com/telemyapp/linkgate/internal/status"
	"github.com/telemyapp/linkgate/internal/store"
	"github.com/telemyapp/linkgate/internal/webhook"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		version, err := store.Migrate(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("migrations_applied", zap.Uint("version", version))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("ping db", zap.Error(err))
	}
	st := store.New(pool)

	creds, err := buildCredentials(ctx, cfg, st, logger)
	if err != nil {
		logger.Fatal("init credentials store", zap.Error(err))
	}
	counter, closeCounter, err := buildQuotaCounter(cfg)
	if err != nil {
		logger.Fatal("init quota counter", zap.Error(err))
	}
	defer closeCounter()
	if mc, ok := counter.(*quota.MemoryCounter); ok {
		jobs.NewRunner(logger, jobs.Task{Name: "prune_quota_windows", Interval: 5 * time.Minute, Run: func(context.Context) error {
			mc.Prune()
			return nil
		}}).Start(ctx)
	}

	var sinks []status.Sink
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("linkgate-api"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Fatal("connect nats", zap.Error(err))
		}
		defer nc.Drain()
		sinks = append(sinks, status.NewNATSSink(nc, "linkgate", logger))
	}
	publisher := status.NewPublisher(logger, sinks...)

	dispatcher := webhook.New(st, webhookOptions(cfg), logger)
	dispatcher.Start(context.Background())

	client, err := buildProtocolClient(cfg)
	if err != nil {
		logger.Fatal("init protocol client", zap.Error(err))
	}
	manager := session.NewManager(session.Deps{
		Client:      client,
		Store:       st,
		Credentials: creds,
		Publisher:   publisher,
		Dispatcher:  dispatcher,
		Logger:      logger,
	}, sessionOptions(cfg))
	if _, err := manager.Restore(ctx); err != nil {
		logger.Fatal("restore sessions", zap.Error(err))
	}

	streamsDone := make(chan struct{})
	handler := api.NewRouter(cfg, api.Deps{
		Store:    st,
		Sessions: manager,
		Webhooks: dispatcher,
		Quota:    quota.NewEnforcer(counter, st, cfg.CredentialHourlyLimit, logger),
		Events:   publisher,
		Logger:   logger,
		Done:     streamsDone,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(func() { close(streamsDone) })

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown", zap.Error(err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session_shutdown", zap.Error(err))
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("webhook_shutdown", zap.Error(err))
		}
	}()

	logger.Info("linkgate listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
	<-stopped
	logger.Info("linkgate stopped")
}

func buildCredentials(ctx context.Context, cfg config.Config, st *store.Store, logger *zap.Logger) (credentials.Store, error) {
	switch cfg.CredentialsBackend {
	case "s3":
		return credentials.NewS3Store(ctx, credentials.S3StoreOptions{Bucket: cfg.S3Bucket, Region: cfg.S3Region}, logger)
	case "postgres", "":
		return st.SessionCredentials(), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.CredentialsBackend)
	}
}

// buildQuotaCounter returns the counter and a func releasing its resources.
func buildQuotaCounter(cfg config.Config) (quota.Counter, func(), error) {
	switch cfg.QuotaBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		return quota.NewRedisCounter(rdb, "linkgate:quota:"), func() { _ = rdb.Close() }, nil
	case "memory", "":
		return quota.NewMemoryCounter(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown quota backend %q", cfg.QuotaBackend)
	}
}

func buildProtocolClient(cfg config.Config) (protocol.Client, error) {
	switch cfg.ProtocolProvider {
	case "fake", "":
		return protocol.NewAutoPairingClient(2 * time.Second), nil
	default:
		return nil, fmt.Errorf("unknown protocol provider %q", cfg.ProtocolProvider)
	}
}

func sessionOptions(cfg config.Config) session.Options {
	return session.Options{
		PairingMaxAttempts:   cfg.PairingMaxAttempts,
		PairingTTL:           cfg.PairingTTL,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
	}
}

func webhookOptions(cfg config.Config) webhook.Options {
	return webhook.Options{
		Timeout:       cfg.WebhookTimeout,
		MaxRetries:    cfg.WebhookMaxRetries,
		RetrySchedule: cfg.WebhookRetrySchedule,
		Workers:       cfg.WebhookWorkers,
		QueueSize:     cfg.WebhookQueueSize,
		RatePerSecond: cfg.WebhookMaxRPS,
		Breaker:       webhook.BreakerOptions{Enabled: cfg.WebhookBreaker},
	}
}
