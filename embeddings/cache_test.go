package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	vector []float32
	calls  int
}

func (p *recordingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	return p.vector, nil
}

func (p *recordingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = p.vector
	}
	return vectors, nil
}

func (p *recordingProvider) Dimension() int { return len(p.vector) }

func mustMarshal(t *testing.T, vec []float32) []byte {
	t.Helper()
	payload, err := json.Marshal(vec)
	require.NoError(t, err)
	return payload
}

func TestCachedEmbedderServesHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cached := []float32{0.1, 0.2, 0.3}
	mock.ExpectGet(cacheKey("hello")).SetVal(string(mustMarshal(t, cached)))

	provider := &recordingProvider{vector: []float32{9, 9, 9}}
	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, cached, vec)
	assert.Zero(t, provider.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedEmbedderStoresOnMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	provider := &recordingProvider{vector: []float32{1, 2, 3}}
	key := cacheKey("hello")

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, mustMarshal(t, provider.vector), time.Minute).SetVal("OK")

	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.vector, vec)
	assert.Equal(t, 1, provider.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedEmbedderReadFailureFallsThrough(t *testing.T) {
	client, mock := redismock.NewClientMock()
	provider := &recordingProvider{vector: []float32{1, 2, 3}}
	key := cacheKey("hello")

	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.ExpectSet(key, mustMarshal(t, provider.vector), time.Minute).SetErr(errors.New("connection refused"))

	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.vector, vec)
	assert.Equal(t, 1, provider.calls)
}

func TestCachedEmbedderIgnoresCorruptEntry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	provider := &recordingProvider{vector: []float32{1, 2, 3}}
	key := cacheKey("hello")

	mock.ExpectGet(key).SetVal("not json")
	mock.ExpectSet(key, mustMarshal(t, provider.vector), time.Minute).SetVal("OK")

	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.vector, vec)
	assert.Equal(t, 1, provider.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedEmbedderRejectsWrongDimensionEntry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	provider := &recordingProvider{vector: []float32{1, 2, 3}}
	key := cacheKey("hello")

	// A leftover entry from a smaller model must not be served.
	mock.ExpectGet(key).SetVal(string(mustMarshal(t, []float32{0.5})))
	mock.ExpectSet(key, mustMarshal(t, provider.vector), time.Minute).SetVal("OK")

	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, provider.vector, vec)
	assert.Equal(t, 1, provider.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedEmbedderBatchBypassesCache(t *testing.T) {
	client, mock := redismock.NewClientMock()
	provider := &recordingProvider{vector: []float32{1, 2, 3}}

	embedder := NewCachedEmbedder(provider, client, time.Minute, nil)

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 1, provider.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheKeyIsStable(t *testing.T) {
	assert.Equal(t, cacheKey("hello"), cacheKey("hello"))
	assert.NotEqual(t, cacheKey("hello"), cacheKey("hello "))
	assert.Contains(t, cacheKey("hello"), "embedding:")
}
