package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/config"
	"github.com/telemyapp/linkgate/internal/jobs"
	"github.com/telemyapp/linkgate/internal/logging"
	"github.com/telemyapp/linkgate/internal/store"
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("ping db", zap.Error(err))
	}

	st := store.New(pool)
	jobs.NewRunner(logger, jobs.StoreTasks(st)...).Start(ctx)

	logger.Info("linkgate-jobs worker started")
	<-ctx.Done()
	logger.Info("linkgate-jobs worker stopping")
}
