package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mealsnap/mealsnap/internal/config"
	"github.com/mealsnap/mealsnap/internal/database"
	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/recognition"
	"github.com/mealsnap/mealsnap/internal/repository"
	"github.com/mealsnap/mealsnap/internal/s3storage"
	"github.com/mealsnap/mealsnap/internal/worker"
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

	var recognizer recognition.Recognizer
	switch cfg.Recognizer {
	case "vision":
		recognizer, err = recognition.NewVisionClient(ctx)
		if err != nil {
			zlog.Fatal("init vision client", "error", err)
		}
	default:
		recognizer = recognition.NewHTTPClient(cfg.RecognitionURL, cfg.RecognitionAPIKey, cfg.RecognitionTimeout)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	processor := worker.NewProcessor(store, files, recognizer, zlog)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	zlog.Info("mealsnap worker starting", "concurrency", cfg.WorkerConcurrency, "recognizer", cfg.Recognizer)
	if err := server.Run(mux); err != nil {
		zlog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
