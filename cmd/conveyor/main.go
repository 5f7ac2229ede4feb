// Package main is the entry point for the conveyor service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyorhq/conveyor/internal/api"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/monitor"
	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/internal/validator"
	"github.com/conveyorhq/conveyor/pkg/types"
)

func main() {
	cfg := config.Load()

	// Structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting conveyor",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Run store
	var store runstore.Store
	switch cfg.RunStoreType {
	case "redis":
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TTL:         cfg.RunStoreTTL,
			EventMaxLen: cfg.EventMaxLen,
		})
		if err != nil {
			logger.Error("redis unavailable, falling back to memory run store", "error", err)
			store = runstore.NewMemoryStore(&runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTL:         cfg.RunStoreTTL,
			})
		} else {
			store = redisStore
			logger.Info("using redis run store", slog.String("url", cfg.RedisURL))
		}
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTL:         cfg.RunStoreTTL,
		})
		logger.Info("using in-memory run store")
	}
	defer store.Close()

	// Job queue
	var q queue.Queue
	switch cfg.QueueType {
	case "redis":
		redisQueue, err := queue.NewRedisQueue(&queue.RedisQueueConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: "conveyor:queue",
		})
		if err != nil {
			logger.Error("redis unavailable, falling back to memory queue", "error", err)
			q = queue.NewMemoryQueue(nil)
		} else {
			q = redisQueue
			logger.Info("using redis queue", slog.String("url", cfg.RedisURL))
		}
	default:
		q = queue.NewMemoryQueue(nil)
		logger.Info("using in-memory queue")
	}
	defer q.Close()

	// Provider registry with built-ins and the configured policy.
	registry := provider.NewRegistry()
	policy := &provider.Policy{
		RPS:     cfg.ProviderRateRPS,
		Burst:   cfg.ProviderBurst,
		Timeout: cfg.ProviderTimeout,
		Mode:    provider.RateMode(cfg.ProviderRateMode),
	}
	for _, p := range provider.Builtin() {
		if err := registry.Register(p, policy); err != nil {
			logger.Error("register builtin provider", "provider", p.Name(), "error", err)
		}
	}
	total, enabled := registry.Count()
	logger.Info("provider registry initialized", slog.Int("total", total), slog.Int("enabled", enabled))

	// Engine
	eng := engine.New(registry, store, engine.Config{
		ExecutionMode:      cfg.ExecutionMode,
		MaxStepConcurrency: cfg.MaxStepConcurrency,
		DefaultRetry: types.RetryPolicy{
			MaxAttempts: cfg.DefaultMaxRetries + 1,
			Delay:       cfg.DefaultRetryDelay,
		},
		DefaultStepTimeout: cfg.DefaultStepTimeout,
	}, logger)

	// Monitor with dead letters and alerting
	var letters monitor.DeadLetterStore
	if rq, ok := q.(*queue.RedisQueue); ok {
		letters = monitor.NewRedisDeadLetters(rq.Client(), "conveyor")
	} else {
		letters = monitor.NewMemoryDeadLetters()
	}
	alerter := monitor.NewAlerter(&monitor.LogSender{Logger: logger}, cfg.AlertCooldown, logger)
	mon := monitor.New(q, letters, alerter, monitor.Config{
		Interval:            cfg.HealthInterval,
		DegradedThreshold:   cfg.DegradedThreshold,
		CriticalThreshold:   cfg.CriticalThreshold,
		DeadLetterThreshold: cfg.DeadLetterThreshold,
	}, logger)

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	mon.Start(ctx)
	defer mon.Stop()

	// Worker pool
	pool := queue.NewPool(q, eng, registry, mon, queue.PoolConfig{
		Workers:        cfg.WorkerCount,
		MaxAttempts:    cfg.JobMaxAttempts,
		BackoffBase:    cfg.JobBackoffBase,
		ReportInterval: cfg.QueueReportInterval,
	}, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// Validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// HTTP API
	handlers := api.NewHandlers(store, eng, q, mon, registry, v, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
