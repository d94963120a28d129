package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ojtrack/internal/audit"
	"ojtrack/internal/config"
	"ojtrack/internal/logger"
	"ojtrack/internal/queue"
	"ojtrack/internal/store"
)

// Worker consumes activity messages from the queue and persists them to activity_logs.
func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel).Named("worker")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		log.Fatal("migrate failed", zap.Error(err))
	}

	if cfg.QueueBackend == "memory" {
		// An in-memory queue lives inside the api process; nothing to drain here.
		log.Fatal("worker needs QUEUE_BACKEND=redis")
	}
	rdb := store.NewRedis(cfg.RedisAddr, "ojtrack")
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb.Client, cfg.AuditQueueKey)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started", zap.String("queue", cfg.AuditQueueKey))
	stored := audit.Drain(ctx, messages, audit.NewRepository(db.Client), log)
	log.Info("worker stopped", zap.Int("stored", stored))
}
