package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mealsnap/mealsnap/internal/api"
	"github.com/mealsnap/mealsnap/internal/cancel"
	"github.com/mealsnap/mealsnap/internal/config"
	"github.com/mealsnap/mealsnap/internal/database"
	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/repository"
	"github.com/mealsnap/mealsnap/internal/s3storage"
	"github.com/mealsnap/mealsnap/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zlog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("connect database", "error", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		zlog.Fatal("ensure schema", "error", err)
	}
	store := repository.NewPGStore(pool, cfg.QuotaMonthlyLimit)

	files, err := s3storage.New(cfg)
	if err != nil {
		zlog.Fatal("init object storage", "error", err)
	}
	if err := files.EnsureBucket(ctx); err != nil {
		zlog.Fatal("ensure bucket", "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	limiter := api.NewRateLimiter(rdb, cfg.RateLimitPerMinute)

	coordinator := cancel.New(store, zlog)
	signer := signing.NewSigner([]byte(cfg.SigningSecret))

	srv := api.New(cfg, store, files, queueClient, inspector, coordinator, signer, limiter, zlog)
	zlog.Info("mealsnap api listening", "address", cfg.Address)
	if err := srv.Run(ctx); err != nil {
		zlog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
