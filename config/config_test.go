package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adya9/web-whisper/config"
)

// chdir moves into dir so Load cannot pick up a stray config.yaml from the
// package directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.BackendPostgres, cfg.Index.Backend)
	assert.Equal(t, config.ProviderOllama, cfg.Embeddings.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, 24*time.Hour, cfg.Embeddings.CacheTTL)
	assert.Equal(t, config.ProviderOllama, cfg.LLM.Provider)
	assert.InDelta(t, 0.35, cfg.Retrieval.SimilarityThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 8, cfg.Retrieval.NameTopK)
	assert.Equal(t, 3, cfg.Retrieval.MaxSources)
	assert.Equal(t, 5, cfg.Retrieval.NameMaxSources)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INDEX_BACKEND", config.BackendMemory)
	t.Setenv("EMBEDDINGS_DIMENSION", "64")
	t.Setenv("QDRANT_URL", "http://qdrant.internal:6333")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Index.Backend)
	assert.Equal(t, 64, cfg.Embeddings.Dimension)
	assert.Equal(t, "http://qdrant.internal:6333", cfg.Qdrant.URL)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INDEX_BACKEND", "cassandra")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown index backend")
}

func TestLoadRejectsNonPositiveDimension(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("EMBEDDINGS_DIMENSION", "0")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension must be positive")
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	contents := "index:\n  backend: memory\nembeddings:\n  dimension: 128\nretrieval:\n  top_k: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644))
	chdir(t, dir)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Index.Backend)
	assert.Equal(t, 128, cfg.Embeddings.Dimension)
	assert.Equal(t, 7, cfg.Retrieval.TopK)
}
