// Package cache provides the two-tier search result cache: a bounded in-process
// tier in front of a shared Redis tier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidsearch/internal/models"
	"vidsearch/internal/telemetry"
)

// Options tunes the local tier.
type Options struct {
	Prefix     string
	LocalTTL   time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// Cache stores search results by normalized SearchKey. A nil Redis client
// runs the cache local-only.
type Cache struct {
	rdb        *redis.Client
	prefix     string
	localTTL   time.Duration
	maxEntries int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	videos         []models.VideoResult
	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
}

type sharedEntry struct {
	Videos    []models.VideoResult `json:"videos"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	LocalItems int   `json:"localItems"`
}

// New builds a cache.
func New(rdb *redis.Client, opts Options) *Cache {
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		rdb:        rdb,
		prefix:     opts.Prefix,
		localTTL:   opts.LocalTTL,
		maxEntries: opts.MaxEntries,
		logger:     opts.Logger,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
}

func (c *Cache) sharedKey(k models.SearchKey) string {
	return c.prefix + "cache:" + k.String()
}

// Get checks the local tier, then the shared tier. A shared hit backfills the
// local tier for no longer than the shared entry has left to live.
func (c *Cache) Get(ctx context.Context, key models.SearchKey) ([]models.VideoResult, bool) {
	key = key.Normalize()
	id := key.String()
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if now.Before(e.expiresAt) {
			e.accessCount++
			e.lastAccessedAt = now
			out := cloneVideos(e.videos)
			c.mu.Unlock()
			c.hits.Add(1)
			telemetry.CacheLookups.WithLabelValues("local_hit").Inc()
			return out, true
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		videos, remaining, ok := c.getShared(ctx, key)
		if ok {
			ttl := c.localTTL
			if remaining > 0 && remaining < ttl {
				ttl = remaining
			}
			c.storeLocal(id, videos, now, ttl)
			c.hits.Add(1)
			telemetry.CacheLookups.WithLabelValues("shared_hit").Inc()
			return cloneVideos(videos), true
		}
	}

	c.misses.Add(1)
	telemetry.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

func (c *Cache) getShared(ctx context.Context, key models.SearchKey) ([]models.VideoResult, time.Duration, bool) {
	rk := c.sharedKey(key)
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, rk)
	ttlCmd := pipe.PTTL(ctx, rk)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			c.degraded("get", key, err)
		}
		return nil, 0, false
	}
	data, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, false
	}
	var se sharedEntry
	if err := json.Unmarshal(data, &se); err != nil {
		c.logger.Warn("cache: corrupt shared entry", zap.String("key", key.String()), zap.Error(err))
		return nil, 0, false
	}
	return se.Videos, ttlCmd.Val(), true
}

// Put writes both tiers. The local tier keeps the entry for min(ttl, local TTL).
// Shared tier failures are logged and the cache keeps serving from the local tier.
func (c *Cache) Put(ctx context.Context, key models.SearchKey, videos []models.VideoResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	key = key.Normalize()
	now := c.now()
	localTTL := ttl
	if c.localTTL < localTTL {
		localTTL = c.localTTL
	}
	c.storeLocal(key.String(), videos, now, localTTL)

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(sharedEntry{Videos: videos, CreatedAt: now.UTC()})
	if err != nil {
		c.logger.Warn("cache: encode entry", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, c.sharedKey(key), data, ttl).Err(); err != nil {
		c.degraded("set", key, err)
	}
}

// Invalidate removes the entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key models.SearchKey) {
	key = key.Normalize()
	c.mu.Lock()
	delete(c.entries, key.String())
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, c.sharedKey(key)).Err(); err != nil {
		c.degraded("del", key, err)
	}
}

// Stats returns hit/miss counters and the local tier size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), LocalItems: n}
}

// RunJanitor periodically drops expired local entries until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(c.now())
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) storeLocal(id string, videos []models.VideoResult, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[id] = &entry{
		videos:         cloneVideos(videos),
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
}

// evictLocked drops expired entries first, then the least recently accessed
// ones until there is room for one more.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastAccessedAt.Before(oldest) {
				oldestKey, oldest = k, e.lastAccessedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) degraded(op string, key models.SearchKey, err error) {
	telemetry.CacheTier2Errors.Inc()
	c.logger.Warn("cache: shared tier unavailable, using local tier only",
		zap.String("op", op), zap.String("key", key.String()), zap.Error(err))
}

func cloneVideos(in []models.VideoResult) []models.VideoResult {
	if in == nil {
		return nil
	}
	out := make([]models.VideoResult, len(in))
	copy(out, in)
	return out
}
