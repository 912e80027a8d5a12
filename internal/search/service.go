// Package search is the entry point for search requests: validation, cache
// lookup, quota and enqueue, plus status and cancellation.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"vidsearch/internal/cache"
	"vidsearch/internal/models"
	"vidsearch/internal/queue"
)

// Quota gates a per-user operation.
type Quota interface {
	Take(ctx context.Context, subject string) error
}

// Options configures a Service.
type Options struct {
	AvgJobSeconds int
	Concurrency   int
	Quota         Quota
	Logger        *zap.Logger
}

// Service answers search requests from the cache or by enqueueing a job.
type Service struct {
	queue         *queue.RedisQueue
	cache         *cache.Cache
	quota         Quota
	avgJobSeconds int
	concurrency   int
	logger        *zap.Logger
}

// NewService wires the facade.
func NewService(q *queue.RedisQueue, c *cache.Cache, opts Options) *Service {
	if opts.AvgJobSeconds <= 0 {
		opts.AvgJobSeconds = 45
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		queue:         q,
		cache:         c,
		quota:         opts.Quota,
		avgJobSeconds: opts.AvgJobSeconds,
		concurrency:   opts.Concurrency,
		logger:        opts.Logger,
	}
}

// Result is the outcome of Search: either cached videos or a queued job.
// QueuePosition is nil when the job is no longer waiting.
type Result struct {
	Cached               bool
	Videos               []models.VideoResult
	JobID                string
	Existing             bool
	QueuePosition        *int
	EstimatedWaitSeconds int
}

// Search validates key, serves it from cache when possible and otherwise
// enqueues (or joins) a job. Only cache misses count against the user's quota.
func (s *Service) Search(ctx context.Context, userID string, key models.SearchKey) (Result, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if videos, ok := s.cache.Get(ctx, key); ok {
		return Result{Cached: true, Videos: videos}, nil
	}
	if s.quota != nil && userID != "" {
		if err := s.quota.Take(ctx, userID); err != nil {
			return Result{}, err
		}
	}

	job, existed, err := s.queue.Enqueue(ctx, key)
	if err != nil {
		return Result{}, err
	}
	pos, waiting, err := s.queue.Position(ctx, job.ID)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("search enqueued",
		zap.String("job_id", job.ID), zap.String("platform", key.Platform),
		zap.String("query", key.Query), zap.Bool("existing", existed), zap.Int("position", pos))
	res := Result{
		JobID:                job.ID,
		Existing:             existed,
		EstimatedWaitSeconds: s.EstimateWait(pos),
	}
	if waiting {
		res.QueuePosition = &pos
	}
	return res, nil
}

// EstimateWait converts a queue position into seconds, assuming the pool
// drains Concurrency jobs per average job duration.
func (s *Service) EstimateWait(position int) int {
	if position < 0 {
		position = 0
	}
	return int(math.Ceil(float64((position+1)*s.avgJobSeconds) / float64(s.concurrency)))
}

// Status is a poll answer.
type Status struct {
	Job           models.SearchJob
	QueuePosition *int
}

// Status returns the job with its queue position while it is waiting. Waiting
// jobs report paused while the queue is paused.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Job: job}
	if job.State != models.StateWaiting {
		return st, nil
	}
	pos, ok, err := s.queue.Position(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.QueuePosition = &pos
	}
	paused, err := s.queue.Paused(ctx)
	if err != nil {
		return Status{}, err
	}
	if paused {
		st.Job.State = models.StatePaused
		st.Job.Message = "queue paused"
	}
	return st, nil
}

// Cancel cancels a job. Unknown jobs wrap models.ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id string) (models.SearchJob, error) {
	job, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return job, err
	}
	s.logger.Info("search cancelled", zap.String("job_id", id), zap.String("state", string(job.State)))
	return job, nil
}

// CancelAndInvalidate cancels the job, if it still exists, and drops the
// cached entry for key from both tiers.
func (s *Service) CancelAndInvalidate(ctx context.Context, id string, key models.SearchKey) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	if id != "" {
		if _, err := s.queue.Cancel(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	s.cache.Invalidate(ctx, key)
	return nil
}
