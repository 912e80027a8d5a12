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
	"golang.org/x/sync/errgroup"

	"vidsearch/internal/api"
	"vidsearch/internal/cache"
	"vidsearch/internal/config"
	"vidsearch/internal/logging"
	"vidsearch/internal/notify"
	"vidsearch/internal/queue"
	"vidsearch/internal/ratelimit"
	"vidsearch/internal/recrawl"
	"vidsearch/internal/search"
	"vidsearch/internal/store"
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
		logger.Fatal("api stopped", zap.Error(err))
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

	eventsChannel := cfg.KeyPrefix + "events"
	q := queue.NewRedisQueue(rdb, queue.Options{
		Prefix:            cfg.KeyPrefix,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.JobRetention,
		MaxAttempts:       cfg.MaxAttempts,
		Publisher:         notify.NewRedisPublisher(rdb, eventsChannel),
		Logger:            logger,
	})
	c := cache.New(rdb, cache.Options{
		Prefix:     cfg.KeyPrefix,
		LocalTTL:   cfg.LocalCacheTTL,
		MaxEntries: cfg.LocalCacheSize,
		Logger:     logger,
	})
	hub := notify.NewHub(rdb, eventsChannel, q, logger)

	searchSvc := search.NewService(q, c, search.Options{
		AvgJobSeconds: cfg.AvgJobSeconds,
		Concurrency:   cfg.WorkerConcurrency,
		Quota:         ratelimit.NewTokenBucket(rdb, cfg.KeyPrefix, "search", cfg.SearchQuotaCapacity, cfg.SearchQuotaRefill),
		Logger:        logger,
	})
	recrawlSvc := recrawl.NewService(rdb, q, c, recrawl.Options{
		Enabled:   cfg.RecrawlEnabled,
		Prefix:    cfg.KeyPrefix,
		TicketTTL: cfg.RecrawlTicketTTL,
		Quota:     ratelimit.NewTokenBucket(rdb, cfg.KeyPrefix, "recrawl", cfg.RecrawlCapacity, cfg.RecrawlRefill),
		Estimator: searchSvc,
		Logger:    logger,
	})
	hub.OnTerminal(recrawlSvc.HandleTerminal)

	deps := api.Deps{
		Search:     searchSvc,
		Recrawl:    recrawlSvc,
		Queue:      q,
		Hub:        hub,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
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
		deps.History = st
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		c.RunJanitor(gctx, cfg.CacheJanitorInt)
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
