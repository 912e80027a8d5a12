// Package fetcher wraps outbound provider calls with a 429-aware exponential
// backoff and optional per-host pacing.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vidsearch/internal/telemetry"
)

// RetryConfig controls the backoff schedule.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig is the schedule used for scraping providers.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   3,
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     30 * time.Second,
}

// Fetcher executes HTTP requests with retry on 429 and network failures.
// It is a pure retry policy and keeps no cross-call failure state.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithPacing limits request rate per host. rps <= 0 disables pacing.
func WithPacing(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.rps = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		f.rps = rate.Limit(rps)
		f.burst = burst
	}
}

// New builds a Fetcher around client (http.DefaultClient when nil).
func New(client *http.Client, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client:   client,
		logger:   zap.NewNop(),
		sleep:    sleepCtx,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Inf,
		burst:    1,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do sends req, retrying on 429 and transport errors following rc. After the
// final attempt a 429 response is returned as-is for the caller to interpret,
// while a transport error is returned wrapped. Any other status returns immediately.
func (f *Fetcher) Do(ctx context.Context, req *http.Request, rc RetryConfig) (*http.Response, error) {
	if rc.Multiplier < 1 {
		rc.Multiplier = 1
	}
	delay := capDelay(rc.InitialDelay, rc.MaxDelay)

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}
		if err := f.pace(ctx, req.URL.Host); err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= rc.MaxRetries {
				return nil, fmt.Errorf("fetch %s after %d attempts: %w", req.URL.Redacted(), attempt+1, err)
			}
			telemetry.FetchRetries.WithLabelValues("network").Inc()
			f.logger.Debug("provider call failed, backing off",
				zap.String("host", req.URL.Host), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		} else {
			if resp.StatusCode != http.StatusTooManyRequests || attempt >= rc.MaxRetries {
				return resp, nil
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			telemetry.FetchRetries.WithLabelValues("rate_limited").Inc()
			f.logger.Debug("provider rate limited, backing off",
				zap.String("host", req.URL.Host), zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		}

		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = capDelay(time.Duration(float64(delay)*rc.Multiplier), rc.MaxDelay)
	}
}

func (f *Fetcher) pace(ctx context.Context, host string) error {
	if f.rps == rate.Inf {
		return nil
	}
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(f.rps, f.burst)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s: %w", host, err)
	}
	return nil
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
