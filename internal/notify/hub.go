package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidsearch/internal/models"
	"vidsearch/internal/telemetry"
)

const subscriberBuffer = 16

// StatusSource reads the authoritative state of a job.
type StatusSource interface {
	Get(ctx context.Context, id string) (models.SearchJob, error)
}

// Observer is called once per terminal event received by the hub.
type Observer func(ctx context.Context, ev Event)

type subscription struct {
	ch        chan Event
	closed    bool
	delivered int
}

// Hub receives events from Redis and delivers them to per-job subscribers.
// Delivery never blocks the hub: a full subscriber buffer drops its oldest
// event so the latest state always gets through.
type Hub struct {
	client  *redis.Client
	channel string
	source  StatusSource
	logger  *zap.Logger

	mu        sync.Mutex
	subs      map[string]map[*subscription]struct{}
	observers []Observer
}

// NewHub builds a hub listening on channel. client may be nil when events
// are delivered only through Dispatch.
func NewHub(client *redis.Client, channel string, source StatusSource, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		client:  client,
		channel: channel,
		source:  source,
		logger:  logger,
		subs:    make(map[string]map[*subscription]struct{}),
	}
}

// OnTerminal registers fn for completed, failed and cancelled events.
func (h *Hub) OnTerminal(fn Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Run consumes the Redis channel until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.client == nil {
		<-ctx.Done()
		return nil
	}
	pubsub := h.client.Subscribe(ctx, h.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", h.channel, err)
	}
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn("notify: discarding malformed event", zap.Error(err))
				continue
			}
			h.Dispatch(ctx, ev)
		}
	}
}

// Dispatch delivers ev to subscribers of its job and, for terminal events, to
// observers.
func (h *Hub) Dispatch(ctx context.Context, ev Event) {
	h.mu.Lock()
	for sub := range h.subs[ev.JobID] {
		h.deliverLocked(ev.JobID, sub, ev)
	}
	var observers []Observer
	if ev.State.Terminal() {
		observers = append(observers, h.observers...)
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(ctx, ev)
	}
}

// Subscribe streams events for jobID. The current status is sent first unless
// a live event already reached the subscriber while it was being read; the
// channel closes after a terminal event or when cancel is called.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()
	telemetry.SubscribersGauge.Inc()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(jobID, sub)
	}

	job, err := h.source.Get(ctx, jobID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		cancel()
		return nil, func() {}, err
	}
	snapshot := EventFor(job)
	if err != nil {
		snapshot = NotFoundEvent(jobID)
	}
	h.mu.Lock()
	if sub.delivered == 0 {
		h.deliverLocked(jobID, sub, snapshot)
	}
	h.mu.Unlock()
	return sub.ch, cancel, nil
}

// Subscribers counts open subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) deliverLocked(jobID string, sub *subscription, ev Event) {
	if sub.closed {
		return
	}
	sub.delivered++
	select {
	case sub.ch <- ev:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	if ev.Terminal() {
		h.removeLocked(jobID, sub)
	}
}

func (h *Hub) removeLocked(jobID string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs[jobID], sub)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
	telemetry.SubscribersGauge.Dec()
}
