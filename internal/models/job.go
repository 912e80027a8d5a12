package models

import (
	"fmt"
	"strings"
	"time"
)

// JobState enumerates lifecycle states of a search job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// AllStates lists states in the order admin statistics report them.
var AllStates = []JobState{
	StateWaiting, StateActive, StateDelayed, StatePaused,
	StateCompleted, StateFailed, StateCancelled,
}

// Supported platforms.
const (
	PlatformTikTok      = "tiktok"
	PlatformDouyin      = "douyin"
	PlatformXiaohongshu = "xiaohongshu"
)

// DateRangeAll is used when the caller does not restrict the publish window.
const DateRangeAll = "all"

var dateRanges = map[string]time.Duration{
	DateRangeAll: 0,
	"24h":        24 * time.Hour,
	"7days":      7 * 24 * time.Hour,
	"30days":     30 * 24 * time.Hour,
	"90days":     90 * 24 * time.Hour,
	"180days":    180 * 24 * time.Hour,
}

// DateRangeWindow returns the look-back window of a date range; zero means unbounded.
func DateRangeWindow(dateRange string) (time.Duration, bool) {
	d, ok := dateRanges[dateRange]
	return d, ok
}

// SearchKey identifies a search for caching, deduplication and recrawl tickets.
type SearchKey struct {
	Platform  string `json:"platform"`
	Query     string `json:"query"`
	DateRange string `json:"dateRange"`
}

// NewSearchKey builds a normalized key.
func NewSearchKey(platform, query, dateRange string) SearchKey {
	return SearchKey{Platform: platform, Query: query, DateRange: dateRange}.Normalize()
}

// Normalize trims and lowercases the query so differently-cased queries share one identity.
func (k SearchKey) Normalize() SearchKey {
	k.Platform = strings.ToLower(strings.TrimSpace(k.Platform))
	k.Query = strings.ToLower(strings.TrimSpace(k.Query))
	k.DateRange = strings.ToLower(strings.TrimSpace(k.DateRange))
	if k.DateRange == "" {
		k.DateRange = DateRangeAll
	}
	return k
}

// Validate checks the key after normalization.
func (k SearchKey) Validate() error {
	if k.Query == "" {
		return fmt.Errorf("%w: query is required", ErrValidation)
	}
	if len(k.Query) > 200 {
		return fmt.Errorf("%w: query too long", ErrValidation)
	}
	switch k.Platform {
	case PlatformTikTok, PlatformDouyin, PlatformXiaohongshu:
	case "":
		return fmt.Errorf("%w: platform is required", ErrValidation)
	default:
		return fmt.Errorf("%w: unsupported platform %q", ErrValidation, k.Platform)
	}
	if _, ok := dateRanges[k.DateRange]; !ok {
		return fmt.Errorf("%w: unsupported date range %q", ErrValidation, k.DateRange)
	}
	return nil
}

// String renders the canonical key form.
func (k SearchKey) String() string {
	return k.Platform + "|" + k.Query + "|" + k.DateRange
}

// SearchJob is one unit of scheduled scraping work.
type SearchJob struct {
	ID              string        `json:"id"`
	Key             SearchKey     `json:"key"`
	State           JobState      `json:"state"`
	Progress        int           `json:"progress"`
	Message         string        `json:"message,omitempty"`
	Result          []VideoResult `json:"result,omitempty"`
	FailureReason   string        `json:"failureReason,omitempty"`
	AttemptsMade    int           `json:"attemptsMade"`
	MaxAttempts     int           `json:"maxAttempts"`
	CancelRequested bool          `json:"cancelRequested,omitempty"`
	WorkerID        string        `json:"workerId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
	NextRunAt       *time.Time    `json:"nextRunAt,omitempty"`
}

// RecrawlTicket marks a forced re-fetch in flight for a key.
type RecrawlTicket struct {
	Key                  SearchKey `json:"key"`
	JobID                string    `json:"jobId"`
	StartedAt            time.Time `json:"startedAt"`
	InProgress           bool      `json:"inProgress"`
	EstimatedWaitSeconds int       `json:"estimatedWaitSeconds"`
}
