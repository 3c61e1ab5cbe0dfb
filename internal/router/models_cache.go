package router

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
)

const modelsCacheKey = "models"

type modelsCacheEntry struct {
	models    []provider.ModelInfo
	fetchedAt time.Time
}

// modelsCache implements §4.9's "GET /v1/models" caching contract: check
// cache without lock; on miss, acquire the global gate and re-check before
// recomputing; compute by parallel fan-out to all providers, swallowing
// per-provider errors into C4; publish once. Backed by an lru.Cache the
// same way mcp.Client caches tool lists, even though there is only ever
// one key, for stack consistency across the two TTL-cache sites.
type modelsCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, modelsCacheEntry]
	ttl      time.Duration
	gate     *gate
	tracker  *observability.Tracker
	adapters func() map[string]provider.Adapter
}

func newModelsCache(ttl time.Duration, g *gate, tracker *observability.Tracker, adapters func() map[string]provider.Adapter) *modelsCache {
	c, _ := lru.New[string, modelsCacheEntry](1)
	return &modelsCache{cache: c, ttl: ttl, gate: g, tracker: tracker, adapters: adapters}
}

// ListModels returns the aggregated model list, recomputing if the TTL
// has elapsed.
func (c *modelsCache) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	if entry, ok := c.cache.Get(modelsCacheKey); ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.models, nil
	}

	release, err := c.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cache.Get(modelsCacheKey); ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.models, nil
	}

	models := c.fetchAll(ctx)
	c.cache.Add(modelsCacheKey, modelsCacheEntry{models: models, fetchedAt: time.Now()})
	return models, nil
}

func (c *modelsCache) fetchAll(ctx context.Context) []provider.ModelInfo {
	adapters := c.adapters()
	results := make([][]provider.ModelInfo, 0, len(adapters))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, a := range adapters {
		name, a := name, a
		g.Go(func() error {
			list, err := a.ListModels(gctx)
			if err != nil {
				if c.tracker != nil {
					c.tracker.RecordError(nil, "upstream_unavailable", "list_models "+name+": "+err.Error())
				}
				return nil // per-provider errors are swallowed, not propagated
			}
			mu.Lock()
			results = append(results, list)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]provider.ModelInfo, 0)
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// Invalidate drops the cached entry, used by the admin "clear caches"
// endpoint.
func (c *modelsCache) Invalidate() {
	c.cache.Remove(modelsCacheKey)
}
