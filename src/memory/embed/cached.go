package embed

import (
	"context"
	"time"

	"github.com/Protocol-Lattice/recall/src/cache"
)

// CachedEmbedder memoizes embeddings by content hash. Summaries repeat more
// often than one would expect (idle-flush of an unchanged session, migration
// re-runs), and provider calls are the slowest part of the pipeline.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.LRUCache
}

func NewCachedEmbedder(inner Embedder, capacity int, ttl time.Duration) *CachedEmbedder {
	if capacity <= 0 {
		capacity = 2048
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{inner: inner, cache: cache.NewLRUCache(capacity, ttl)}
}

func (c *CachedEmbedder) Dim() int { return c.inner.Dim() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.HashKey(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...))
	return vec, nil
}

// Size reports how many embeddings are currently cached.
func (c *CachedEmbedder) Size() int { return c.cache.Len() }
