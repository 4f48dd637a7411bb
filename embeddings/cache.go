package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/metrics"
)

const defaultCacheTTL = 24 * time.Hour

// cachedEmbedder is a read-through Redis cache in front of a provider.
// Cache failures degrade to the provider, never to the caller.
type cachedEmbedder struct {
	inner  Embedder
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedEmbedder(inner Embedder, client *redis.Client, ttl time.Duration, logger *logrus.Logger) Embedder {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &cachedEmbedder{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (c *cachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vec)

	return vec, nil
}

// EmbedBatch goes straight to the provider. Bulk ingestion embeds freshly
// chunked text, so per-chunk cache lookups would be all misses.
func (c *cachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *cachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

func (c *cachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		metrics.EmbeddingCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.EmbeddingCache.WithLabelValues("error").Inc()
		c.logger.WithError(err).Debug("embedding cache read failed")
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		metrics.EmbeddingCache.WithLabelValues("error").Inc()
		c.logger.WithError(err).Debug("embedding cache entry corrupt")
		return nil, false
	}
	// Entries written under a different model are useless; re-embed.
	if dim := c.inner.Dimension(); dim > 0 && len(vec) != dim {
		metrics.EmbeddingCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.EmbeddingCache.WithLabelValues("hit").Inc()
	return vec, true
}

func (c *cachedEmbedder) store(ctx context.Context, key string, vec []float32) {
	payload, err := json.Marshal(vec)
	if err != nil {
		c.logger.WithError(err).Debug("encode embedding cache entry failed")
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		metrics.EmbeddingCache.WithLabelValues("error").Inc()
		c.logger.WithError(err).Debug("embedding cache write failed")
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:%x", sum)
}
