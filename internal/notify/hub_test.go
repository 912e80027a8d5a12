package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"vidsearch/internal/models"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs map[string]models.SearchJob
}

func (f *fakeSource) Get(_ context.Context, id string) (models.SearchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.SearchJob{}, models.ErrNotFound
	}
	return job, nil
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(out))
		}
	}
}

func TestSubscribeSendsCurrentStatusThenStreams(t *testing.T) {
	src := &fakeSource{jobs: map[string]models.SearchJob{
		"j1": {ID: "j1", State: models.StateActive, Progress: 10, Message: "searching"},
	}}
	hub := NewHub(nil, "vs:events", src, nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	hub.Dispatch(ctx, ProgressEvent(models.SearchJob{ID: "j1", State: models.StateActive, Progress: 40}))
	hub.Dispatch(ctx, Event{JobID: "other", Type: EventProgress, State: models.StateActive})
	hub.Dispatch(ctx, EventFor(models.SearchJob{ID: "j1", State: models.StateCompleted, Progress: 100, Result: []models.VideoResult{{ID: "v"}}}))

	events := drain(t, ch)
	require.Len(t, events, 3)
	require.Equal(t, EventStatus, events[0].Type)
	require.Equal(t, 10, events[0].Progress)
	require.Equal(t, EventProgress, events[1].Type)
	require.Equal(t, EventCompleted, events[2].Type)
	require.Len(t, events[2].Result, 1)
	require.Zero(t, hub.Subscribers("j1"))
}

func TestSubscribeUnknownJob(t *testing.T) {
	hub := NewHub(nil, "vs:events", &fakeSource{}, nil)
	ch, cancel, err := hub.Subscribe(context.Background(), "ghost")
	require.NoError(t, err)
	defer cancel()

	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	require.Equal(t, "job not found", events[0].Error)
}

func TestSubscribeToFinishedJobClosesImmediately(t *testing.T) {
	src := &fakeSource{jobs: map[string]models.SearchJob{
		"j1": {ID: "j1", State: models.StateFailed, FailureReason: "provider failure"},
	}}
	hub := NewHub(nil, "vs:events", src, nil)
	ch, cancel, err := hub.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	defer cancel()

	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, EventFailed, events[0].Type)
	require.Equal(t, "provider failure", events[0].Error)
}

func TestSlowSubscriberKeepsLatestEvent(t *testing.T) {
	src := &fakeSource{jobs: map[string]models.SearchJob{"j1": {ID: "j1", State: models.StateActive}}}
	hub := NewHub(nil, "vs:events", src, nil)
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer*3; i++ {
		hub.Dispatch(ctx, ProgressEvent(models.SearchJob{ID: "j1", State: models.StateActive, Progress: i % 100}))
	}
	hub.Dispatch(ctx, EventFor(models.SearchJob{ID: "j1", State: models.StateCancelled}))

	events := drain(t, ch)
	require.LessOrEqual(t, len(events), subscriberBuffer)
	require.Equal(t, models.StateCancelled, events[len(events)-1].State)
}

func TestCancelClosesSubscription(t *testing.T) {
	src := &fakeSource{jobs: map[string]models.SearchJob{"j1": {ID: "j1", State: models.StateWaiting}}}
	hub := NewHub(nil, "vs:events", src, nil)
	ch, cancel, err := hub.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers("j1"))

	cancel()
	cancel()
	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Zero(t, hub.Subscribers("j1"))
}

func TestTerminalObservers(t *testing.T) {
	hub := NewHub(nil, "vs:events", &fakeSource{}, nil)
	var mu sync.Mutex
	var seen []string
	hub.OnTerminal(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.JobID)
	})
	ctx := context.Background()
	hub.Dispatch(ctx, ProgressEvent(models.SearchJob{ID: "a", State: models.StateActive}))
	hub.Dispatch(ctx, EventFor(models.SearchJob{ID: "b", State: models.StateCompleted}))
	hub.Dispatch(ctx, EventFor(models.SearchJob{ID: "c", State: models.StateCancelled}))

	require.Equal(t, []string{"b", "c"}, seen)
}

func TestRunDeliversPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := &fakeSource{jobs: map[string]models.SearchJob{"j1": {ID: "j1", State: models.StateWaiting}}}
	hub := NewHub(client, "vs:events", src, nil)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("vs:events")["vs:events"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	ch, cancel, err := hub.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	pub := NewRedisPublisher(client, "vs:events")
	require.NoError(t, pub.Publish(ctx, EventFor(models.SearchJob{ID: "j1", State: models.StateCompleted, Progress: 100})))

	events := drain(t, ch)
	require.Len(t, events, 2)
	require.Equal(t, EventCompleted, events[1].Type)

	stop()
	require.NoError(t, <-done)
}

// racingSource dispatches a newer event while the snapshot is being read.
type racingSource struct {
	hub      *Hub
	snapshot models.SearchJob
	live     Event
}

func (r *racingSource) Get(ctx context.Context, _ string) (models.SearchJob, error) {
	r.hub.Dispatch(ctx, r.live)
	return r.snapshot, nil
}

func TestSubscribeNeverSendsSnapshotOlderThanLiveEvent(t *testing.T) {
	src := &racingSource{
		snapshot: models.SearchJob{ID: "j1", State: models.StateActive, Progress: 10},
		live:     ProgressEvent(models.SearchJob{ID: "j1", State: models.StateActive, Progress: 40}),
	}
	hub := NewHub(nil, "vs:events", src, nil)
	src.hub = hub
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()
	hub.Dispatch(ctx, EventFor(models.SearchJob{ID: "j1", State: models.StateCompleted, Progress: 100}))

	events := drain(t, ch)
	require.Len(t, events, 2)
	progress := 0
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.Progress, progress)
		progress = ev.Progress
	}
	require.Equal(t, 40, events[0].Progress)
	require.Equal(t, EventCompleted, events[1].Type)
}
