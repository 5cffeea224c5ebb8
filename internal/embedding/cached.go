package embedding

import (
	"context"
	"time"

	"github.com/ragquery/backend/internal/cache"
	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/pkg/utils"
)

// Cached memoizes single-text embeddings. Batch calls go straight to the wrapped embedder.
type Cached struct {
	next  Embedder
	cache cache.Cache
	ttl   time.Duration
}

func NewCached(next Embedder, c cache.Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl}
}

func (c *Cached) Model() string {
	return c.next.Model()
}

func CacheKey(text, model string) string {
	return "embedding:" + utils.HashString(text) + ":" + model
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text, c.next.Model())

	var cached []float32
	if c.cache.GetJSON(ctx, key, &cached) && len(cached) > 0 {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, key, vec, c.ttl)
	return vec, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedBatch(ctx, texts)
}
