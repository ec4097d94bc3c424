// Package main runs the ScanVault API server.
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

	"github.com/scanvault/scanvault/internal/api"
	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/database"
	"github.com/scanvault/scanvault/internal/document"
	"github.com/scanvault/scanvault/internal/logging"
	"github.com/scanvault/scanvault/internal/queue"
	"github.com/scanvault/scanvault/internal/ratelimit"
	"github.com/scanvault/scanvault/internal/repository"
	"github.com/scanvault/scanvault/internal/s3storage"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/session"
	"github.com/scanvault/scanvault/internal/tenant"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()

	trail := audit.NewTrail(repo, logger)
	sched := scheduler.New(repo, queue.NewNotifier(asynqClient), trail, logger, scheduler.Options{
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.JobMaxAttempts,
		BackoffBase:   cfg.RetryBackoff,
		BackoffMax:    cfg.RetryBackoffMax,
	})
	registry := tenant.NewRegistry(tenant.NewHasher(cfg.TenantSalt), repo, cfg.DefaultQuotaBytes)
	sessions := session.NewManager(repo, rdb, cfg.SessionSecret, cfg.SessionTTL, logger)
	docs := document.NewService(repo, blobs, sched, trail, logger, cfg.MaxFileSize, cfg.AllowedTypes, cfg.SignedURLTTL)
	limiter := ratelimit.New(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)

	srv := api.New(cfg, logger, registry, sessions, docs, sched, trail, limiter)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
