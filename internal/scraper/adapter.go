// Package scraper normalizes per-platform provider output into models.VideoResult.
package scraper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vidsearch/internal/models"
)

// Adapter searches one platform.
type Adapter interface {
	Platform() string
	FetchVideos(ctx context.Context, query string, limit int, dateRange string) ([]models.VideoResult, error)
}

// ActorRunner runs a provider actor and returns its raw dataset.
type ActorRunner interface {
	RunActor(ctx context.Context, actorID string, input map[string]any) ([]map[string]any, error)
}

// Strategy holds the platform-specific parts of an actor-backed search.
type Strategy struct {
	Platform   string
	ActorID    string
	BuildInput func(query string, limit int, dateRange string) map[string]any
	MapItem    func(item map[string]any) (models.VideoResult, bool)
}

// ActorAdapter implements Adapter for any Strategy.
type ActorAdapter struct {
	runner   ActorRunner
	strategy Strategy
	now      func() time.Time
}

// NewActorAdapter binds a strategy to a runner.
func NewActorAdapter(runner ActorRunner, s Strategy) *ActorAdapter {
	return &ActorAdapter{runner: runner, strategy: s, now: time.Now}
}

func (a *ActorAdapter) Platform() string { return a.strategy.Platform }

// FetchVideos runs the platform actor, maps each item, applies the date window
// client-side (providers treat it as a hint) and truncates to limit. Provider
// relevance order is preserved; deduplication is left to the caller.
func (a *ActorAdapter) FetchVideos(ctx context.Context, query string, limit int, dateRange string) ([]models.VideoResult, error) {
	window, ok := models.DateRangeWindow(dateRange)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported date range %q", models.ErrValidation, dateRange)
	}
	items, err := a.runner.RunActor(ctx, a.strategy.ActorID, a.strategy.BuildInput(query, limit, dateRange))
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", a.strategy.Platform, err)
	}

	var cutoff int64
	if window > 0 {
		cutoff = a.now().Add(-window).UnixMilli()
	}
	out := make([]models.VideoResult, 0, len(items))
	for _, item := range items {
		v, ok := a.strategy.MapItem(item)
		if !ok {
			continue
		}
		v.Platform = a.strategy.Platform
		if cutoff > 0 && v.CreateTime > 0 && v.CreateTime < cutoff {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Registry resolves adapters by platform.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry indexes adapters by their platform name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform string) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for platform %q", models.ErrValidation, platform)
	}
	return a, nil
}

// Platforms lists registered platforms in sorted order.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry wires the three supported platforms onto one runner.
func DefaultRegistry(runner ActorRunner) *Registry {
	return NewRegistry(
		NewActorAdapter(runner, TikTokStrategy()),
		NewActorAdapter(runner, DouyinStrategy()),
		NewActorAdapter(runner, XiaohongshuStrategy()),
	)
}
