// Package worker runs search jobs: it leases jobs from the queue, calls the
// platform adapter, and records the outcome in the queue and cache.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vidsearch/internal/cache"
	"vidsearch/internal/config"
	"vidsearch/internal/models"
	"vidsearch/internal/queue"
	"vidsearch/internal/scraper"
	"vidsearch/internal/telemetry"
)

const emptyResultMessage = "no videos found for query"

// History persists job transitions outside Redis.
type History interface {
	RecordTransition(ctx context.Context, job models.SearchJob, event, detail string) error
}

// Archiver rewrites result thumbnails to archived copies.
type Archiver interface {
	Archive(ctx context.Context, videos []models.VideoResult) []models.VideoResult
}

// Option customizes a Pool.
type Option func(*Pool)

// WithHistory records every transition in h.
func WithHistory(h History) Option { return func(p *Pool) { p.history = h } }

// WithArchiver archives thumbnails before results are stored.
func WithArchiver(a Archiver) Option { return func(p *Pool) { p.archiver = a } }

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerID sets the prefix of worker ids recorded on jobs.
func WithWorkerID(id string) Option { return func(p *Pool) { p.workerID = id } }

// Pool drives Concurrency worker loops plus one maintenance loop.
type Pool struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	cache    *cache.Cache
	adapters *scraper.Registry
	archiver Archiver
	history  History
	logger   *zap.Logger
	workerID string
	now      func() time.Time
}

// NewPool builds a worker pool.
func NewPool(cfg config.Config, q *queue.RedisQueue, c *cache.Cache, adapters *scraper.Registry, opts ...Option) *Pool {
	host, _ := os.Hostname()
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		cache:    c,
		adapters: adapters,
		logger:   zap.NewNop(),
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.WorkerConcurrency <= 0 {
		p.cfg.WorkerConcurrency = 1
	}
	if p.cfg.WorkerPollInterval <= 0 {
		p.cfg.WorkerPollInterval = time.Second
	}
	if p.cfg.MaxAttempts <= 0 {
		p.cfg.MaxAttempts = 3
	}
	if p.cfg.VisibilityTimeout <= 0 {
		p.cfg.VisibilityTimeout = 5 * time.Minute
	}
	return p
}

// Run starts the worker loops and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.workerID, i)
		g.Go(func() error { return p.loop(gctx, workerID) })
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.cfg.WorkerConcurrency), zap.String("worker_id", p.workerID))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := p.ProcessNext(ctx, workerID)
		if err != nil {
			p.logger.Warn("dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// maintain promotes due retries, reclaims expired leases and reports depth.
func (p *Pool) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Maintain runs one maintenance pass.
func (p *Pool) Maintain(ctx context.Context) {
	now := p.now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteDelayed(ctx, now, batch); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote delayed jobs", zap.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, batch)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("reclaim expired leases", zap.Error(err))
	}
	for _, id := range reclaimed {
		if job, err := p.queue.Get(ctx, id); err == nil {
			p.record(ctx, job, "lease_expired", "requeued after visibility timeout")
		}
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessNext leases and runs one job. It reports false when there was
// nothing to do.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	id, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	p.handle(ctx, id, workerID)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, id, workerID string) {
	log := p.logger.With(zap.String("job_id", id), zap.String("worker_id", workerID))
	job, err := p.queue.Start(ctx, id, workerID)
	if err != nil {
		log.Debug("job not started", zap.Error(err))
		return
	}
	log = log.With(zap.String("platform", job.Key.Platform), zap.String("query", job.Key.Query), zap.Int("attempt", job.AttemptsMade+1))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.record(ctx, job, "started", workerID)

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := p.heartbeat(sctx, job.ID, workerID, cancel)
	videos, err := p.search(sctx, job, workerID)
	stop()
	if errors.Is(context.Cause(sctx), queue.ErrLeaseLost) {
		p.leaseLost(ctx, job, log)
		return
	}

	switch {
	case errors.Is(err, queue.ErrJobCancelled):
		p.discard(ctx, job, log)
	case errors.Is(err, queue.ErrLeaseLost):
		p.leaseLost(ctx, job, log)
	case err != nil && ctx.Err() != nil:
		// Shutting down: the lease expires and another worker picks the job up.
		log.Info("job interrupted by shutdown", zap.Error(err))
	case err != nil:
		p.failOrRetry(ctx, job, workerID, err, log)
	default:
		p.complete(ctx, job, workerID, videos, log)
	}
}

// heartbeat renews the lease every third of the visibility timeout until the
// returned stop func is called. If the lease is gone it cancels the search
// with ErrLeaseLost.
func (p *Pool) heartbeat(ctx context.Context, id, workerID string, lost context.CancelCauseFunc) (stop func()) {
	interval := p.cfg.VisibilityTimeout / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := p.queue.ExtendLease(ctx, id, workerID, p.cfg.VisibilityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("extend lease", zap.String("job_id", id), zap.String("worker_id", workerID), zap.Error(err))
				}
				continue
			}
			if !held {
				lost(queue.ErrLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// search runs the adapter call for job. A panic is converted into an error
// for that job only.
func (p *Pool) search(ctx context.Context, job models.SearchJob, workerID string) (videos []models.VideoResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()

	adapter, err := p.adapters.Get(job.Key.Platform)
	if err != nil {
		return nil, err
	}
	if err := p.queue.Progress(ctx, job.ID, workerID, 10, "starting search"); err != nil {
		return nil, err
	}

	timeout := p.cfg.AdapterTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.queue.Progress(ctx, job.ID, workerID, 40, "fetching from "+job.Key.Platform); err != nil {
		return nil, err
	}
	start := p.now()
	videos, err = adapter.FetchVideos(actx, job.Key.Query, p.cfg.ResultLimit, job.Key.DateRange)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.AdapterDuration.WithLabelValues(job.Key.Platform, outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: adapter timed out after %s", models.ErrProviderFailure, timeout)
		}
		return nil, err
	}

	if err := p.queue.Progress(ctx, job.ID, workerID, 70, "processing results"); err != nil {
		return nil, err
	}
	videos = models.DedupeByID(videos)
	if p.archiver != nil && len(videos) > 0 {
		videos = p.archiver.Archive(ctx, videos)
	}
	return videos, nil
}

func (p *Pool) complete(ctx context.Context, job models.SearchJob, workerID string, videos []models.VideoResult, log *zap.Logger) {
	message := emptyResultMessage
	if len(videos) > 0 {
		message = fmt.Sprintf("found %d videos", len(videos))
	}

	// Populate the cache before publishing completion so a client reacting to
	// the completed event finds it, but never for a job that was cancelled.
	cached := false
	if len(videos) > 0 {
		current, err := p.queue.Get(ctx, job.ID)
		if err == nil && current.State == models.StateActive && current.WorkerID == workerID {
			p.cache.Put(ctx, job.Key, videos, p.cacheTTL())
			cached = true
		}
	}

	done, err := p.queue.Complete(ctx, job.ID, workerID, videos, message)
	if errors.Is(err, queue.ErrJobCancelled) {
		if cached {
			p.cache.Invalidate(ctx, job.Key)
		}
		p.discard(ctx, job, log)
		return
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		p.leaseLost(ctx, job, log)
		return
	}
	if err != nil {
		log.Error("complete job", zap.Error(err))
		return
	}
	if len(videos) == 0 {
		telemetry.WorkerEmpty.Inc()
	}
	telemetry.WorkerSuccess.Inc()
	p.record(ctx, done, "completed", message)
	log.Info("job completed", zap.Int("videos", len(videos)))
}

func (p *Pool) failOrRetry(ctx context.Context, job models.SearchJob, workerID string, cause error, log *zap.Logger) {
	attempts := job.AttemptsMade + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > p.cfg.MaxAttempts {
		maxAttempts = p.cfg.MaxAttempts
	}
	reason := failureReason(cause)

	if errors.Is(cause, models.ErrValidation) || attempts >= maxAttempts {
		failed, err := p.queue.Fail(ctx, job.ID, workerID, reason)
		if errors.Is(err, queue.ErrJobCancelled) {
			p.discard(ctx, job, log)
			return
		}
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost(ctx, job, log)
			return
		}
		if err != nil {
			log.Error("fail job", zap.Error(err))
			return
		}
		telemetry.WorkerFailures.Inc()
		p.record(ctx, failed, "failed", cause.Error())
		log.Warn("job failed", zap.Error(cause))
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := p.now().Add(backoff)
	retried, err := p.queue.Retry(ctx, job.ID, workerID, reason, nextRun)
	if errors.Is(err, queue.ErrJobCancelled) {
		p.discard(ctx, job, log)
		return
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		p.leaseLost(ctx, job, log)
		return
	}
	if err != nil {
		log.Error("schedule retry", zap.Error(err))
		return
	}
	telemetry.WorkerRetries.Inc()
	p.record(ctx, retried, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d error=%s", nextRun.UTC().Format(time.RFC3339), attempts, cause))
	log.Warn("job will retry", zap.Duration("backoff", backoff), zap.Error(cause))
}

func (p *Pool) discard(ctx context.Context, job models.SearchJob, log *zap.Logger) {
	telemetry.WorkerDiscarded.Inc()
	if current, err := p.queue.Get(ctx, job.ID); err == nil {
		job = current
	}
	p.record(ctx, job, "discarded", "job cancelled while active")
	log.Info("job cancelled while active, result discarded")
}

// leaseLost drops the outcome of a job whose lease now belongs to another worker.
func (p *Pool) leaseLost(ctx context.Context, job models.SearchJob, log *zap.Logger) {
	telemetry.WorkerDiscarded.Inc()
	p.record(ctx, job, "lease_lost", "lease reclaimed by another worker")
	log.Warn("job lease lost, result dropped")
}

func (p *Pool) record(ctx context.Context, job models.SearchJob, event, detail string) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordTransition(ctx, job, event, detail); err != nil {
		p.logger.Warn("record job history", zap.String("job_id", job.ID), zap.String("event", event), zap.Error(err))
	}
}

func (p *Pool) cacheTTL() time.Duration {
	if p.cfg.CacheTTL > 0 {
		return p.cfg.CacheTTL
	}
	return 30 * time.Minute
}

// failureReason is the message stored on the job and shown to clients.
func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrProviderRateLimited):
		return "provider rate limit reached, please try again later"
	case errors.Is(err, models.ErrValidation):
		return err.Error()
	case errors.Is(err, models.ErrProviderFailure):
		return "provider failed to return results: " + err.Error()
	default:
		return err.Error()
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
