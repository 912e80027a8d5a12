// Package queue stores search jobs in Redis and moves them through their
// lifecycle: waiting, active with a lease, delayed for retry, and terminal.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidsearch/internal/models"
	"vidsearch/internal/notify"
	"vidsearch/internal/telemetry"
)

// ErrJobCancelled is returned by worker transitions on a job cancelled while active.
var ErrJobCancelled = errors.New("job cancelled")

// ErrInvalidTransition is returned when a job is not in a state the transition accepts.
var ErrInvalidTransition = errors.New("invalid job transition")

// ErrLeaseLost is returned to a worker whose lease was reclaimed and handed to
// another worker. It matches ErrInvalidTransition.
var ErrLeaseLost = fmt.Errorf("job lease lost: %w", ErrInvalidTransition)

var errNoChange = errors.New("no change")

const maxTxRetries = 16

// Publisher receives an event for every state change.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Options configures a RedisQueue.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	Retention         time.Duration
	MaxAttempts       int
	Publisher         Publisher
	Logger            *zap.Logger
}

// RedisQueue coordinates waiting, active, delayed and finished jobs in Redis.
// The job hash's state field is authoritative; Lua scripts read and flip it
// so that enqueue dedup and dequeue are atomic across processes.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
	retention     time.Duration
	maxAttempts   int
	publisher     Publisher
	logger        *zap.Logger
	now           func() time.Time
}

// NewRedisQueue builds a queue on client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "vs:"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisQueue{
		client:        client,
		prefix:        opts.Prefix,
		visibilityTTL: opts.VisibilityTimeout,
		retention:     opts.Retention,
		maxAttempts:   opts.MaxAttempts,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

func (q *RedisQueue) jobPrefix() string { return q.prefix + "job:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisQueue) waitingKey() string { return q.prefix + "waiting" }
func (q *RedisQueue) delayedKey() string { return q.prefix + "delayed" }
func (q *RedisQueue) activeKey() string { return q.prefix + "active" }
func (q *RedisQueue) pausedKey() string { return q.prefix + "paused" }
func (q *RedisQueue) finishedKey() string { return q.prefix + "finished" }
func (q *RedisQueue) dedupKey(k models.SearchKey) string {
	return q.prefix + "dedup:" + k.String()
}

// Enqueue creates a waiting job for key unless a non-terminal job for the same
// key exists, in which case that job is returned with existed set.
func (q *RedisQueue) Enqueue(ctx context.Context, key models.SearchKey) (models.SearchJob, bool, error) {
	key = key.Normalize()
	id, err := uuid.NewV7()
	if err != nil {
		return models.SearchJob{}, false, fmt.Errorf("generate job id: %w", err)
	}
	job := models.SearchJob{
		ID:          id.String(),
		Key:         key,
		State:       models.StateWaiting,
		Message:     "queued",
		MaxAttempts: q.maxAttempts,
		CreatedAt:   q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return models.SearchJob{}, false, fmt.Errorf("encode job: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.dedupKey(key), q.waitingKey()},
		job.ID, data, q.jobPrefix()).Slice()
	if err != nil {
		return models.SearchJob{}, false, fmt.Errorf("%w: enqueue: %v", models.ErrInfrastructure, err)
	}
	if len(res) != 2 {
		return models.SearchJob{}, false, fmt.Errorf("%w: unexpected enqueue reply %v", models.ErrInfrastructure, res)
	}
	created, _ := res[0].(int64)
	jobID, _ := res[1].(string)
	if created == 0 {
		telemetry.DedupHits.Inc()
		existing, err := q.Get(ctx, jobID)
		if err != nil {
			return models.SearchJob{}, false, err
		}
		return existing, true, nil
	}

	telemetry.EnqueueCounter.Inc()
	q.publish(ctx, notify.EventFor(job))
	return job, false, nil
}

// Get loads a job. Unknown or expired ids wrap models.ErrNotFound.
func (q *RedisQueue) Get(ctx context.Context, id string) (models.SearchJob, error) {
	return q.read(ctx, q.client, id)
}

func (q *RedisQueue) read(ctx context.Context, c redis.Cmdable, id string) (models.SearchJob, error) {
	fields, err := c.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.SearchJob{}, fmt.Errorf("%w: load job %s: %v", models.ErrInfrastructure, id, err)
	}
	raw, ok := fields["data"]
	if !ok {
		return models.SearchJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	var job models.SearchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.SearchJob{}, fmt.Errorf("%w: decode job %s: %v", models.ErrInfrastructure, id, err)
	}
	if st := fields["state"]; st != "" {
		job.State = models.JobState(st)
	}
	if w, ok := fields["worker"]; ok {
		job.WorkerID = w
	}
	return job, nil
}

// mutate applies fn to the job under WATCH and writes it back in the same
// MULTI. fn may queue extra commands on pipe. Returning errNoChange skips the
// write and yields the unchanged job.
func (q *RedisQueue) mutate(ctx context.Context, id string, fn func(job *models.SearchJob, pipe redis.Pipeliner) error) (models.SearchJob, error) {
	key := q.jobKey(id)
	var out models.SearchJob
	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.read(ctx, tx, id)
			if err != nil {
				return err
			}
			before := job.State
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := fn(&job, pipe); err != nil {
					return err
				}
				return q.writeJob(ctx, pipe, job, before)
			})
			out = job
			return err
		}, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, errNoChange):
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return out, err
		}
	}
	return out, fmt.Errorf("%w: job %s: too much contention", models.ErrInfrastructure, id)
}

func (q *RedisQueue) writeJob(ctx context.Context, pipe redis.Pipeliner, job models.SearchJob, before models.JobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	key := q.jobKey(job.ID)
	pipe.HSet(ctx, key, "state", string(job.State), "worker", job.WorkerID, "data", data)
	if job.State.Terminal() && !before.Terminal() {
		finished := q.now()
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		pipe.LRem(ctx, q.waitingKey(), 0, job.ID)
		pipe.ZRem(ctx, q.delayedKey(), job.ID)
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.ZAdd(ctx, q.finishedKey(), redis.Z{Score: float64(finished.UnixMilli()), Member: job.ID})
		pipe.Expire(ctx, key, q.retention)
	}
	return nil
}

// finish runs after a terminal transition commits.
func (q *RedisQueue) finish(ctx context.Context, job models.SearchJob) {
	if err := releaseScript.Run(ctx, q.client, []string{q.dedupKey(job.Key)}, job.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		q.logger.Warn("queue: release dedup key", zap.String("job_id", job.ID), zap.Error(err))
	}
	q.publish(ctx, notify.EventFor(job))
}

func (q *RedisQueue) publish(ctx context.Context, ev notify.Event) {
	if q.publisher == nil {
		return
	}
	if err := q.publisher.Publish(ctx, ev); err != nil {
		q.logger.Warn("queue: publish event", zap.String("job_id", ev.JobID), zap.String("type", ev.Type), zap.Error(err))
	}
}

// Dequeue pops the next waiting job and leases it. It returns "" when the
// queue is empty or paused.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.activeKey(), q.pausedKey()},
		deadline, q.jobPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: dequeue: %v", models.ErrInfrastructure, err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// Start records the worker picking up a leased job.
func (q *RedisQueue) Start(ctx context.Context, id, workerID string) (models.SearchJob, error) {
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, _ redis.Pipeliner) error {
		if err := activeOnly(job); err != nil {
			return err
		}
		now := q.now().UTC()
		job.StartedAt = &now
		job.WorkerID = workerID
		job.NextRunAt = nil
		job.Progress = 0
		job.Message = "searching"
		return nil
	})
	if err != nil {
		return job, err
	}
	q.publish(ctx, notify.EventFor(job))
	return job, nil
}

// Progress raises the job's progress. Values are clamped to 0..100 and never
// move backwards.
func (q *RedisQueue) Progress(ctx context.Context, id, workerID string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, _ redis.Pipeliner) error {
		if err := ownedActive(job, workerID); err != nil {
			return err
		}
		if pct > job.Progress {
			job.Progress = pct
		}
		if message != "" {
			job.Message = message
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.publish(ctx, notify.ProgressEvent(job))
	return nil
}

// Complete stores the result and marks the job completed.
func (q *RedisQueue) Complete(ctx context.Context, id, workerID string, result []models.VideoResult, message string) (models.SearchJob, error) {
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, _ redis.Pipeliner) error {
		if err := ownedActive(job, workerID); err != nil {
			return err
		}
		now := q.now().UTC()
		job.State = models.StateCompleted
		job.Progress = 100
		job.Result = result
		job.Message = message
		job.FinishedAt = &now
		return nil
	})
	if err != nil {
		return job, err
	}
	q.finish(ctx, job)
	return job, nil
}

// Fail marks the job failed after its last attempt.
func (q *RedisQueue) Fail(ctx context.Context, id, workerID, reason string) (models.SearchJob, error) {
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, _ redis.Pipeliner) error {
		if err := ownedActive(job, workerID); err != nil {
			return err
		}
		now := q.now().UTC()
		job.State = models.StateFailed
		job.AttemptsMade++
		job.FailureReason = reason
		job.Message = "search failed"
		job.FinishedAt = &now
		return nil
	})
	if err != nil {
		return job, err
	}
	q.finish(ctx, job)
	return job, nil
}

// Retry moves an active job to the delayed set until runAt.
func (q *RedisQueue) Retry(ctx context.Context, id, workerID, reason string, runAt time.Time) (models.SearchJob, error) {
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, pipe redis.Pipeliner) error {
		if err := ownedActive(job, workerID); err != nil {
			return err
		}
		next := runAt.UTC()
		job.State = models.StateDelayed
		job.AttemptsMade++
		job.FailureReason = reason
		job.Message = fmt.Sprintf("retrying (attempt %d of %d)", job.AttemptsMade+1, job.MaxAttempts)
		job.NextRunAt = &next
		job.WorkerID = ""
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return job, err
	}
	q.publish(ctx, notify.EventFor(job))
	return job, nil
}

// ExtendLease pushes the visibility deadline of an active job forward. It
// reports false when workerID no longer holds the lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, id, workerID string, extension time.Duration) (bool, error) {
	deadline := q.now().Add(extension).UnixMilli()
	held, err := extendScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.jobKey(id)},
		deadline, id, workerID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: extend lease %s: %v", models.ErrInfrastructure, id, err)
	}
	return held == 1, nil
}

// PromoteDelayed moves due delayed jobs to the tail of the waiting list.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueMembers(ctx, q.delayedKey(), now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		moved, err := promoteScript.Run(ctx, q.client,
			[]string{q.delayedKey(), q.waitingKey(), q.jobKey(id)}, id).Int()
		if err != nil {
			return promoted, fmt.Errorf("%w: promote %s: %v", models.ErrInfrastructure, id, err)
		}
		if moved == 1 {
			promoted++
			if job, err := q.Get(ctx, id); err == nil {
				q.publish(ctx, notify.EventFor(job))
			}
		}
	}
	return promoted, nil
}

// RequeueExpired reclaims jobs whose lease ran out, putting them back at the
// head of the waiting list without consuming an attempt.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueMembers(ctx, q.activeKey(), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var requeued []string
	for _, id := range ids {
		moved, err := reclaimScript.Run(ctx, q.client,
			[]string{q.activeKey(), q.waitingKey(), q.jobKey(id)}, id).Int()
		if err != nil {
			return requeued, fmt.Errorf("%w: reclaim %s: %v", models.ErrInfrastructure, id, err)
		}
		if moved == 1 {
			requeued = append(requeued, id)
			q.logger.Warn("queue: lease expired, job requeued", zap.String("job_id", id))
		}
	}
	return requeued, nil
}

func (q *RedisQueue) dueMembers(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", models.ErrInfrastructure, key, err)
	}
	return ids, nil
}

// Cancel stops a job. Waiting and delayed jobs leave the queue at once; an
// active job is flagged so its worker discards the result. Cancelling a
// terminal job is a no-op that returns it unchanged.
func (q *RedisQueue) Cancel(ctx context.Context, id string) (models.SearchJob, error) {
	changed := false
	job, err := q.mutate(ctx, id, func(job *models.SearchJob, _ redis.Pipeliner) error {
		if job.State.Terminal() {
			return errNoChange
		}
		if job.State == models.StateActive {
			job.CancelRequested = true
		}
		now := q.now().UTC()
		job.State = models.StateCancelled
		job.Message = "cancelled"
		job.FinishedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return job, err
	}
	if changed {
		q.finish(ctx, job)
	}
	return job, nil
}

// Position returns how many waiting jobs are ahead of id. ok is false when
// the job is not waiting.
func (q *RedisQueue) Position(ctx context.Context, id string) (int, bool, error) {
	ids, err := q.client.LRange(ctx, q.waitingKey(), 0, -1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("%w: read waiting list: %v", models.ErrInfrastructure, err)
	}
	for i, v := range ids {
		if v == id {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Depth returns the number of waiting jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.waitingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	return n, nil
}

// Pause stops Dequeue from handing out work. Active jobs are unaffected.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume undoes Pause.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// Paused reports the queue-wide pause flag.
func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	return n == 1, nil
}

// Stats summarizes the queue for operators.
type Stats struct {
	Paused  bool                                   `json:"paused"`
	Counts  map[models.JobState]int64              `json:"counts"`
	Samples map[models.JobState][]models.SearchJob `json:"samples,omitempty"`
}

// Stats counts jobs per state and includes up to sample jobs per state.
func (q *RedisQueue) Stats(ctx context.Context, sample int) (Stats, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return Stats{}, err
	}
	byState := map[models.JobState][]string{}

	waiting, err := q.client.LRange(ctx, q.waitingKey(), 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	waitingState := models.StateWaiting
	if paused {
		waitingState = models.StatePaused
	}
	byState[waitingState] = waiting

	for state, key := range map[models.JobState]string{
		models.StateActive:  q.activeKey(),
		models.StateDelayed: q.delayedKey(),
	} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
		}
		byState[state] = ids
	}

	finished, err := q.client.ZRange(ctx, q.finishedKey(), 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	if len(finished) > 0 {
		pipe := q.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(finished))
		for i, id := range finished {
			cmds[i] = pipe.HGet(ctx, q.jobKey(id), "state")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return Stats{}, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
		}
		var gone []any
		for i, cmd := range cmds {
			st, err := cmd.Result()
			if err != nil {
				gone = append(gone, finished[i])
				continue
			}
			byState[models.JobState(st)] = append(byState[models.JobState(st)], finished[i])
		}
		if len(gone) > 0 {
			if err := q.client.ZRem(ctx, q.finishedKey(), gone...).Err(); err != nil {
				q.logger.Warn("queue: prune finished index", zap.Int("count", len(gone)), zap.Error(err))
			}
		}
	}

	out := Stats{Paused: paused, Counts: map[models.JobState]int64{}, Samples: map[models.JobState][]models.SearchJob{}}
	for _, st := range models.AllStates {
		ids := byState[st]
		out.Counts[st] = int64(len(ids))
		for i := 0; i < len(ids) && i < sample; i++ {
			if job, err := q.Get(ctx, ids[i]); err == nil {
				job.Result = nil
				out.Samples[st] = append(out.Samples[st], job)
			}
		}
	}
	return out, nil
}

// CleanFinished deletes terminal jobs that finished more than grace ago.
func (q *RedisQueue) CleanFinished(ctx context.Context, grace time.Duration) (int, error) {
	ids, err := q.dueMembers(ctx, q.finishedKey(), q.now().Add(-grace), -1)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		pipe.Del(ctx, q.jobKey(id))
		members[i] = id
	}
	pipe.ZRem(ctx, q.finishedKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: clean finished: %v", models.ErrInfrastructure, err)
	}
	return len(ids), nil
}

// DrainWaiting cancels every waiting and delayed job.
func (q *RedisQueue) DrainWaiting(ctx context.Context) (int, error) {
	waiting, err := q.client.LRange(ctx, q.waitingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	delayed, err := q.client.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrInfrastructure, err)
	}
	drained := 0
	for _, id := range append(waiting, delayed...) {
		job, err := q.Cancel(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return drained, err
		}
		if job.State == models.StateCancelled {
			drained++
		}
	}
	return drained, nil
}

// ownedActive is activeOnly for transitions made by the worker holding the lease.
func ownedActive(job *models.SearchJob, workerID string) error {
	if job.WorkerID != workerID && (job.State == models.StateActive || job.State == models.StateCancelled) {
		return fmt.Errorf("job %s is leased by %q: %w", job.ID, job.WorkerID, ErrLeaseLost)
	}
	return activeOnly(job)
}

func activeOnly(job *models.SearchJob) error {
	switch job.State {
	case models.StateActive:
		return nil
	case models.StateCancelled:
		return fmt.Errorf("job %s: %w", job.ID, ErrJobCancelled)
	default:
		return fmt.Errorf("job %s is %s: %w", job.ID, job.State, ErrInvalidTransition)
	}
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local st = redis.call('HGET', ARGV[3] .. existing, 'state')
  if st and st ~= 'completed' and st ~= 'failed' and st ~= 'cancelled' then
    return {0, existing}
  end
end
redis.call('HSET', ARGV[3] .. ARGV[1], 'state', 'waiting', 'data', ARGV[2])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return {1, ARGV[1]}
`)

var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('HSET', key, 'state', 'active')
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    return id
  end
end
`)

var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[3], 'state') ~= 'delayed' then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting')
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var reclaimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[3], 'state') ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'worker', '')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'state') ~= 'active' then
  return 0
end
if redis.call('HGET', KEYS[2], 'worker') ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
