package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"vidsearch/internal/cache"
	"vidsearch/internal/config"
	"vidsearch/internal/models"
	"vidsearch/internal/queue"
	"vidsearch/internal/scraper"
	"vidsearch/internal/search"
)

type fakeAdapter struct {
	platform string
	calls    atomic.Int32
	fn       func(ctx context.Context, query string) ([]models.VideoResult, error)
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) FetchVideos(ctx context.Context, query string, _ int, _ string) ([]models.VideoResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, query)
}

type fakeHistory struct {
	mu     sync.Mutex
	events []string
}

func (h *fakeHistory) RecordTransition(_ context.Context, job models.SearchJob, event, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, job.ID+":"+event)
	return nil
}

func (h *fakeHistory) has(entry string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == entry {
			return true
		}
	}
	return false
}

type harness struct {
	pool    *Pool
	queue   *queue.RedisQueue
	cache   *cache.Cache
	adapter *fakeAdapter
	history *fakeHistory
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  2,
		WorkerPollInterval: 10 * time.Millisecond,
		MaxAttempts:        3,
		BackoffInitial:     2 * time.Millisecond,
		BackoffMax:         4 * time.Millisecond,
		AdapterTimeout:     time.Second,
		CacheTTL:           30 * time.Minute,
		ResultLimit:        50,
	}
}

func newHarness(t *testing.T, fn func(ctx context.Context, query string) ([]models.VideoResult, error)) *harness {
	t.Helper()
	return newLeaseHarness(t, time.Minute, fn)
}

func newLeaseHarness(t *testing.T, lease time.Duration, fn func(ctx context.Context, query string) ([]models.VideoResult, error)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.Options{Prefix: "vs:", VisibilityTimeout: lease, MaxAttempts: 3})
	c := cache.New(client, cache.Options{Prefix: "vs:"})
	adapter := &fakeAdapter{platform: models.PlatformTikTok, fn: fn}
	history := &fakeHistory{}
	cfg := testConfig()
	cfg.VisibilityTimeout = lease
	pool := NewPool(cfg, q, c, scraper.NewRegistry(adapter), WithHistory(history), WithWorkerID("test"))
	return &harness{pool: pool, queue: q, cache: c, adapter: adapter, history: history}
}

func videos(ids ...string) []models.VideoResult {
	out := make([]models.VideoResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.VideoResult{ID: id, Title: "video " + id})
	}
	return out
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	require.GreaterOrEqual(t, b1, base/2)
	require.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	require.GreaterOrEqual(t, b3, 2*time.Second)
	require.LessOrEqual(t, b3, max)

	b10 := backoffWithJitter(base, max, 10)
	require.LessOrEqual(t, b10, max)
}

func TestCancelledBeforeDispatchNeverReachesAdapter(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return videos("a"), nil
	})
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", "never", ""))
	require.NoError(t, err)
	_, err = h.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)

	processed, err := h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.False(t, processed)
	require.Zero(t, h.adapter.calls.Load())

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCancelled, got.State)
}

func TestCompletedJobDedupesAndCaches(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return videos("1", "2", "3", "2", ""), nil
	})
	ctx := context.Background()
	key := models.NewSearchKey("tiktok", "dance", "")
	job, _, err := h.queue.Enqueue(ctx, key)
	require.NoError(t, err)

	processed, err := h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)
	require.Equal(t, 100, got.Progress)
	require.Len(t, got.Result, 3)
	require.Equal(t, "found 3 videos", got.Message)
	require.Equal(t, "w", got.WorkerID)

	cached, ok := h.cache.Get(ctx, key)
	require.True(t, ok)
	require.Len(t, cached, 3)
	require.True(t, h.history.has(job.ID+":started"))
	require.True(t, h.history.has(job.ID+":completed"))
}

func TestEmptyResultCompletesWithoutCaching(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return nil, nil
	})
	ctx := context.Background()
	key := models.NewSearchKey("tiktok", "nothing here", "")
	job, _, err := h.queue.Enqueue(ctx, key)
	require.NoError(t, err)

	_, err = h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)

	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateCompleted, got.State)
	require.Equal(t, emptyResultMessage, got.Message)
	_, ok := h.cache.Get(ctx, key)
	require.False(t, ok)
}

func TestProviderErrorsRetryThenFail(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return nil, fmt.Errorf("run: %w", models.ErrProviderRateLimited)
	})
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", "flaky", ""))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			require.Eventually(t, func() bool {
				n, err := h.queue.PromoteDelayed(ctx, time.Now(), 10)
				return err == nil && n == 1
			}, time.Second, 5*time.Millisecond)
		}
		processed, err := h.pool.ProcessNext(ctx, "w")
		require.NoError(t, err)
		require.True(t, processed)

		got, _ := h.queue.Get(ctx, job.ID)
		require.Equal(t, attempt, got.AttemptsMade)
		if attempt < 3 {
			require.Equal(t, models.StateDelayed, got.State)
			require.NotNil(t, got.NextRunAt)
		}
	}

	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "rate limit")
	require.EqualValues(t, 3, h.adapter.calls.Load())
	require.True(t, h.history.has(job.ID+":failed"))
}

func TestUnknownPlatformFailsImmediately(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return videos("a"), nil
	})
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("douyin", "no adapter", ""))
	require.NoError(t, err)

	_, err = h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, 1, got.AttemptsMade)
}

func TestAdapterPanicIsContained(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		panic("boom")
	})
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", "panics", ""))
	require.NoError(t, err)

	processed, err := h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, processed)

	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateDelayed, got.State)
	require.Contains(t, got.FailureReason, "adapter panic: boom")
}

func TestCancelWhileActiveDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		close(entered)
		<-release
		return videos("late"), nil
	})
	ctx := context.Background()
	key := models.NewSearchKey("tiktok", "slow", "")
	job, _, err := h.queue.Enqueue(ctx, key)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.pool.ProcessNext(ctx, "w")
	}()
	<-entered
	_, err = h.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	close(release)
	<-done

	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateCancelled, got.State)
	require.Empty(t, got.Result)
	_, ok := h.cache.Get(ctx, key)
	require.False(t, ok, "cancelled job must not populate the cache")
	require.True(t, h.history.has(job.ID+":discarded"))
}

func TestHeartbeatKeepsSlowJobLeased(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newLeaseHarness(t, 300*time.Millisecond, func(context.Context, string) ([]models.VideoResult, error) {
		close(entered)
		<-release
		return videos("slow"), nil
	})
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", "slow provider", ""))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.pool.ProcessNext(ctx, "a")
	}()
	<-entered
	for i := 0; i < 8; i++ {
		time.Sleep(100 * time.Millisecond)
		h.pool.Maintain(ctx)
		got, err := h.queue.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StateActive, got.State)
		require.Equal(t, "a", got.WorkerID)
	}
	close(release)
	<-done

	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateCompleted, got.State)
	require.EqualValues(t, 1, h.adapter.calls.Load())
	require.False(t, h.history.has(job.ID+":lease_expired"))
}

func TestLostLeaseStopsSearchAndDropsResult(t *testing.T) {
	entered := make(chan struct{})
	h := newLeaseHarness(t, 300*time.Millisecond, func(ctx context.Context, _ string) ([]models.VideoResult, error) {
		close(entered)
		<-ctx.Done()
		return videos("stale"), ctx.Err()
	})
	ctx := context.Background()
	key := models.NewSearchKey("tiktok", "reclaimed", "")
	job, _, err := h.queue.Enqueue(ctx, key)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.pool.ProcessNext(ctx, "a")
	}()
	<-entered

	ids, err := h.queue.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, ids)
	id, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = h.queue.Start(ctx, id, "b")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search kept running after its lease was reclaimed")
	}

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateActive, got.State)
	require.Equal(t, "b", got.WorkerID)
	require.Zero(t, got.Progress)
	require.Empty(t, got.Result)
	require.Zero(t, got.AttemptsMade)
	_, ok := h.cache.Get(ctx, key)
	require.False(t, ok)
	require.True(t, h.history.has(job.ID+":lease_lost"))
	require.EqualValues(t, 1, h.adapter.calls.Load())
}

func TestAdapterTimeoutIsProviderFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ string) ([]models.VideoResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.pool.cfg.AdapterTimeout = 20 * time.Millisecond
	h.pool.cfg.MaxAttempts = 1
	ctx := context.Background()
	job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", "stuck", ""))
	require.NoError(t, err)

	_, err = h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	got, _ := h.queue.Get(ctx, job.ID)
	require.Equal(t, models.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "timed out")
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t, func(_ context.Context, q string) ([]models.VideoResult, error) {
		return videos(q + "-1"), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for _, q := range []string{"a", "b", "c", "d"} {
		job, _, err := h.queue.Enqueue(ctx, models.NewSearchKey("tiktok", q, ""))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := h.queue.Get(context.Background(), id)
			if err != nil || job.State != models.StateCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestFailureReason(t *testing.T) {
	require.Contains(t, failureReason(models.ErrProviderRateLimited), "try again later")
	require.Equal(t, "x", failureReason(errors.New("x")))
}

func TestSearchScenarioEndToEnd(t *testing.T) {
	fetched := videos("v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8", "v9", "v10", "v11", "v4")
	require.Len(t, fetched, 12)
	h := newHarness(t, func(context.Context, string) ([]models.VideoResult, error) {
		return fetched, nil
	})
	svc := search.NewService(h.queue, h.cache, search.Options{AvgJobSeconds: 45, Concurrency: 1})
	ctx := context.Background()
	key := models.NewSearchKey("tiktok", "dance challenge", "7days")

	res, err := svc.Search(ctx, "u1", key)
	require.NoError(t, err)
	require.False(t, res.Cached)
	st, err := svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StateWaiting, st.Job.State)

	processed, err := h.pool.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, processed)

	st, err = svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, st.Job.State)
	require.Equal(t, 100, st.Job.Progress)
	require.Len(t, st.Job.Result, 11)
	require.Equal(t, "v4", st.Job.Result[3].ID)

	again, err := svc.Search(ctx, "u1", key)
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, st.Job.Result, again.Videos)
	require.EqualValues(t, 1, h.adapter.calls.Load())
}
