// Package ratelimit gates per-user operations with a Redis token bucket shared
// by every API process.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vidsearch/internal/models"
	"vidsearch/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client    *redis.Client
	operation string
	prefix    string
	capacity  int
	refill    float64 // tokens per second
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenBucket constructs a bucket for one operation (e.g. "search").
// Keys are prefix + "quota:" + operation + ":" + subject.
func NewTokenBucket(client *redis.Client, prefix, operation string, capacity int, refillPerSecond float64) *TokenBucket {
	ttl := time.Hour
	if refillPerSecond > 0 {
		// Long enough for an idle bucket to refill completely.
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:    client,
		operation: operation,
		prefix:    prefix,
		capacity:  capacity,
		refill:    refillPerSecond,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Allow consumes a single token for subject if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, subject string) (bool, float64, error) {
	if b.capacity <= 0 {
		return true, 0, nil
	}
	key := b.prefix + "quota:" + b.operation + ":" + subject
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: quota %s: %v", models.ErrInfrastructure, b.operation, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("%w: quota %s: unexpected reply %v", models.ErrInfrastructure, b.operation, res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Take is Allow returning models.ErrQuotaExceeded when no token is left.
func (b *TokenBucket) Take(ctx context.Context, subject string) error {
	ok, _, err := b.Allow(ctx, subject)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.QuotaRejects.WithLabelValues(b.operation).Inc()
		return fmt.Errorf("%w: %s limit reached", models.ErrQuotaExceeded, b.operation)
	}
	return nil
}

// Tokens are returned as a string so fractional refills survive the Lua to
// Redis integer conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
