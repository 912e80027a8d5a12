// Package notify carries job status changes from the queue to pollers and
// push subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vidsearch/internal/models"
)

// Event names delivered to subscribers.
const (
	EventStatus    = "job:status"
	EventProgress  = "job:progress"
	EventCompleted = "job:completed"
	EventFailed    = "job:failed"
	EventError     = "job:error"
)

// Event is one status change of a job.
type Event struct {
	JobID    string               `json:"jobId"`
	Type     string               `json:"type"`
	State    models.JobState      `json:"state,omitempty"`
	Progress int                  `json:"progress"`
	Message  string               `json:"message,omitempty"`
	Result   []models.VideoResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	At       time.Time            `json:"at"`
}

// Terminal reports whether the subscription ends after this event.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.State.Terminal()
}

// EventFor derives the event a job's current state should produce.
func EventFor(job models.SearchJob) Event {
	ev := Event{
		JobID:    job.ID,
		Type:     EventStatus,
		State:    job.State,
		Progress: job.Progress,
		Message:  job.Message,
		At:       time.Now().UTC(),
	}
	switch job.State {
	case models.StateCompleted:
		ev.Type = EventCompleted
		ev.Result = job.Result
	case models.StateFailed:
		ev.Type = EventFailed
		ev.Error = job.FailureReason
	}
	return ev
}

// ProgressEvent is emitted while a job is active.
func ProgressEvent(job models.SearchJob) Event {
	ev := EventFor(job)
	ev.Type = EventProgress
	return ev
}

// NotFoundEvent answers a subscription for an unknown job.
func NotFoundEvent(jobID string) Event {
	return Event{JobID: jobID, Type: EventError, Error: "job not found", At: time.Now().UTC()}
}

// RedisPublisher fans events out to every process through Redis Pub/Sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher publishes on channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends ev to all hubs.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
