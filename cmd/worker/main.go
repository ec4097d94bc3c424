// Package main runs the ScanVault recognition worker: the asynq consumer
// that drains the job queue plus the periodic maintenance sweeps.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/accounting"
	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/database"
	"github.com/scanvault/scanvault/internal/engine/tesseract"
	"github.com/scanvault/scanvault/internal/logging"
	"github.com/scanvault/scanvault/internal/queue"
	"github.com/scanvault/scanvault/internal/repository"
	"github.com/scanvault/scanvault/internal/s3storage"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/session"
	"github.com/scanvault/scanvault/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(os.Getenv("SCANVAULT_DEBUG") != "")
	defer func() { _ = logger.Sync() }()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}
	repo := repository.New(pool)

	blobs, err := s3storage.New(cfg)
	if err != nil {
		logger.Fatal("init object storage", zap.Error(err))
	}
	if err := blobs.EnsureBuckets(ctx); err != nil {
		logger.Fatal("ensure buckets", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	trail := audit.NewTrail(repo, logger)
	sched := scheduler.New(repo, queue.NewNotifier(asynqClient), trail, logger, scheduler.Options{
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.JobMaxAttempts,
		BackoffBase:   cfg.RetryBackoff,
		BackoffMax:    cfg.RetryBackoffMax,
	})
	sessions := session.NewManager(repo, rdb, cfg.SessionSecret, cfg.SessionTTL, logger)
	accountant := accounting.New(repo, logger)

	processor := worker.NewProcessor(sched, repo, blobs, tesseract.New(), logger)
	logger.Info("worker starting", zap.String("workerID", processor.WorkerID()))

	janitor := worker.NewJanitor(sched, sessions, accountant, processor, logger,
		cfg.ReclaimInterval, cfg.SessionSweep, cfg.UsageAudit)
	go janitor.Run(ctx)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	if err := srv.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
