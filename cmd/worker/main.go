package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidsearch/internal/cache"
	"vidsearch/internal/config"
	"vidsearch/internal/fetcher"
	"vidsearch/internal/logging"
	"vidsearch/internal/media"
	"vidsearch/internal/notify"
	"vidsearch/internal/queue"
	"vidsearch/internal/scraper"
	"vidsearch/internal/store"
	"vidsearch/internal/telemetry"
	"vidsearch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	q := queue.NewRedisQueue(rdb, queue.Options{
		Prefix:            cfg.KeyPrefix,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.JobRetention,
		MaxAttempts:       cfg.MaxAttempts,
		Publisher:         notify.NewRedisPublisher(rdb, cfg.KeyPrefix+"events"),
		Logger:            logger,
	})
	c := cache.New(rdb, cache.Options{
		Prefix:     cfg.KeyPrefix,
		LocalTTL:   cfg.LocalCacheTTL,
		MaxEntries: cfg.LocalCacheSize,
		Logger:     logger,
	})
	go c.RunJanitor(ctx, cfg.CacheJanitorInt)

	f := fetcher.New(&http.Client{Timeout: time.Minute},
		fetcher.WithLogger(logger),
		fetcher.WithPacing(cfg.ProviderRPS, cfg.ProviderBurst))
	client := scraper.NewActorClient(f, scraper.ClientConfig{
		BaseURL: cfg.ProviderBaseURL,
		Token:   cfg.ProviderToken,
		Retry: fetcher.RetryConfig{
			MaxRetries:   cfg.FetchMaxRetries,
			InitialDelay: cfg.FetchInitialDelay,
			Multiplier:   cfg.FetchMultiplier,
			MaxDelay:     cfg.FetchMaxDelay,
		},
		PollInterval: cfg.ProviderPollInterval,
		MaxPolls:     cfg.ProviderMaxPolls,
		Logger:       logger,
	})

	opts := []worker.Option{worker.WithLogger(logger)}
	if id := os.Getenv("WORKER_ID"); id != "" {
		opts = append(opts, worker.WithWorkerID(id))
	}
	archiver, err := media.NewFromConfig(ctx, cfg, f, logger)
	if err != nil {
		return fmt.Errorf("init media archiver: %w", err)
	}
	if archiver != nil {
		opts = append(opts, worker.WithArchiver(archiver))
	}
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		opts = append(opts, worker.WithHistory(st))
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	pool := worker.NewPool(cfg, q, c, scraper.DefaultRegistry(client), opts...)
	logger.Info("worker starting",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	return pool.Run(ctx)
}
