// Package recrawl forces a cache-bypassing re-fetch of a search key. One
// ticket per key guards against stacking recrawls while one is in flight.
package recrawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidsearch/internal/cache"
	"vidsearch/internal/models"
	"vidsearch/internal/notify"
	"vidsearch/internal/queue"
	"vidsearch/internal/telemetry"
)

// Quota gates recrawls per user.
type Quota interface {
	Take(ctx context.Context, subject string) error
}

// Estimator converts a queue position into a wait in seconds.
type Estimator interface {
	EstimateWait(position int) int
}

// Options configures a Service.
type Options struct {
	Enabled   bool
	Prefix    string
	TicketTTL time.Duration
	Quota     Quota
	Estimator Estimator
	Logger    *zap.Logger
}

// Service issues recrawl tickets.
type Service struct {
	client    *redis.Client
	queue     *queue.RedisQueue
	cache     *cache.Cache
	enabled   bool
	prefix    string
	ticketTTL time.Duration
	quota     Quota
	estimator Estimator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService builds a recrawl service.
func NewService(client *redis.Client, q *queue.RedisQueue, c *cache.Cache, opts Options) *Service {
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		client:    client,
		queue:     q,
		cache:     c,
		enabled:   opts.Enabled,
		prefix:    opts.Prefix,
		ticketTTL: opts.TicketTTL,
		quota:     opts.Quota,
		estimator: opts.Estimator,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

func (s *Service) ticketKey(k models.SearchKey) string {
	return s.prefix + "recrawl:" + k.String()
}

// Trigger starts a recrawl of key for userID. When a recrawl for the key is
// already in flight its ticket is returned with alreadyInProgress set and no
// new job is enqueued.
func (s *Service) Trigger(ctx context.Context, userID string, key models.SearchKey) (ticket models.RecrawlTicket, alreadyInProgress bool, err error) {
	if !s.enabled {
		return models.RecrawlTicket{}, false, models.ErrRecrawlDisabled
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return models.RecrawlTicket{}, false, err
	}
	if s.quota != nil {
		if err := s.quota.Take(ctx, userID); err != nil {
			telemetry.RecrawlTriggers.WithLabelValues("rate_limited").Inc()
			return models.RecrawlTicket{}, false, err
		}
	}

	existing, ok, err := s.liveTicket(ctx, key)
	if err != nil {
		return models.RecrawlTicket{}, false, err
	}
	if ok {
		telemetry.RecrawlTriggers.WithLabelValues("in_progress").Inc()
		return existing, true, nil
	}

	s.cache.Invalidate(ctx, key)
	job, _, err := s.queue.Enqueue(ctx, key)
	if err != nil {
		return models.RecrawlTicket{}, false, fmt.Errorf("enqueue recrawl: %w", err)
	}
	pos, _, err := s.queue.Position(ctx, job.ID)
	if err != nil {
		return models.RecrawlTicket{}, false, err
	}
	ticket = models.RecrawlTicket{
		Key:        key,
		JobID:      job.ID,
		StartedAt:  s.now().UTC(),
		InProgress: true,
	}
	if s.estimator != nil {
		ticket.EstimatedWaitSeconds = s.estimator.EstimateWait(pos)
	}

	data, err := json.Marshal(ticket)
	if err != nil {
		return models.RecrawlTicket{}, false, fmt.Errorf("encode ticket: %w", err)
	}
	prior, err := createTicketScript.Run(ctx, s.client, []string{s.ticketKey(key)},
		job.ID, data, s.ticketTTL.Milliseconds()).Text()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return models.RecrawlTicket{}, false, fmt.Errorf("%w: create recrawl ticket: %v", models.ErrInfrastructure, err)
	default:
		// Lost a race with a concurrent trigger; both resolved to the same job.
		var other models.RecrawlTicket
		if err := json.Unmarshal([]byte(prior), &other); err != nil {
			return models.RecrawlTicket{}, false, fmt.Errorf("decode recrawl ticket: %w", err)
		}
		telemetry.RecrawlTriggers.WithLabelValues("in_progress").Inc()
		return other, true, nil
	}

	// The job may have finished before the ticket existed, in which case the
	// terminal observer has already run.
	if current, err := s.queue.Get(ctx, job.ID); err == nil && current.State.Terminal() {
		s.release(ctx, key, job.ID)
	}
	telemetry.RecrawlTriggers.WithLabelValues("queued").Inc()
	s.logger.Info("recrawl queued",
		zap.String("job_id", job.ID), zap.String("platform", key.Platform),
		zap.String("query", key.Query), zap.String("user_id", userID))
	return ticket, false, nil
}

// Ticket returns the in-flight ticket for key, if any.
func (s *Service) Ticket(ctx context.Context, key models.SearchKey) (models.RecrawlTicket, bool, error) {
	data, err := s.client.HGet(ctx, s.ticketKey(key.Normalize()), "data").Result()
	if errors.Is(err, redis.Nil) {
		return models.RecrawlTicket{}, false, nil
	}
	if err != nil {
		return models.RecrawlTicket{}, false, fmt.Errorf("%w: read recrawl ticket: %v", models.ErrInfrastructure, err)
	}
	var t models.RecrawlTicket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return models.RecrawlTicket{}, false, fmt.Errorf("decode recrawl ticket: %w", err)
	}
	return t, true, nil
}

// liveTicket is Ticket for a job that has not finished. A ticket whose job is
// terminal or gone is released, covering terminal events nobody observed.
func (s *Service) liveTicket(ctx context.Context, key models.SearchKey) (models.RecrawlTicket, bool, error) {
	t, ok, err := s.Ticket(ctx, key)
	if err != nil || !ok {
		return t, ok, err
	}
	job, err := s.queue.Get(ctx, t.JobID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return models.RecrawlTicket{}, false, err
	case !job.State.Terminal():
		return t, true, nil
	}
	s.logger.Info("recrawl: releasing ticket of finished job", zap.String("job_id", t.JobID), zap.String("query", key.Query))
	s.release(ctx, key, t.JobID)
	return models.RecrawlTicket{}, false, nil
}

// HandleTerminal removes the ticket owned by the finished job. It is
// registered as a terminal observer on the notify hub.
func (s *Service) HandleTerminal(ctx context.Context, ev notify.Event) {
	job, err := s.queue.Get(ctx, ev.JobID)
	if err != nil {
		s.logger.Debug("recrawl: terminal event for unknown job", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	s.release(ctx, job.Key, job.ID)
}

func (s *Service) release(ctx context.Context, key models.SearchKey, jobID string) {
	removed, err := releaseTicketScript.Run(ctx, s.client, []string{s.ticketKey(key)}, jobID).Int()
	if err != nil {
		s.logger.Warn("recrawl: release ticket", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if removed == 1 {
		s.logger.Info("recrawl finished", zap.String("job_id", jobID), zap.String("query", key.Query))
	}
}

// createTicketScript stores the ticket unless one exists, returning the
// existing ticket data in that case.
var createTicketScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGET', KEYS[1], 'data')
end
redis.call('HSET', KEYS[1], 'jobId', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)

var releaseTicketScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'jobId') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
