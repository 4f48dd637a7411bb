package index

import (
	"context"
	"math"
	"sync"
)

// MemoryIndex is a brute-force cosine scan over an in-process map. It backs
// tests and single-process deployments where an external store is overkill.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	sources   map[string]*memorySource
}

type memorySource struct {
	source Source
	chunks []Chunk
}

func NewMemory(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		sources:   make(map[string]*memorySource),
	}
}

func (m *MemoryIndex) Init(ctx context.Context) error {
	return nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, src Source, chunks []Chunk) error {
	if err := validateChunks(chunks, m.dimension); err != nil {
		return err
	}

	stored := make([]Chunk, len(chunks))
	copy(stored, chunks)

	m.mu.Lock()
	defer m.mu.Unlock()
	src.Chunks = len(stored)
	m.sources[src.URL] = &memorySource{source: src, chunks: stored}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, 0)
	for url, entry := range m.sources {
		if !matchesFilter(url, opts.SourceURLs) {
			continue
		}
		for _, chunk := range entry.chunks {
			results = append(results, Result{
				SourceURL:  url,
				Title:      entry.source.Title,
				Text:       chunk.Text,
				Ordinal:    chunk.Ordinal,
				Similarity: cosineSimilarity(vector, chunk.Embedding),
			})
		}
	}

	return rank(results, opts), nil
}

func (m *MemoryIndex) ListSources(ctx context.Context) ([]Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sources := make([]Source, 0, len(m.sources))
	for _, entry := range m.sources {
		sources = append(sources, entry.source)
	}
	sortSources(sources)
	return sources, nil
}

func (m *MemoryIndex) DeleteSource(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, url)
	return nil
}

func (m *MemoryIndex) Health(ctx context.Context) (Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, entry := range m.sources {
		count += int64(len(entry.chunks))
	}
	return Health{HasData: count > 0, Chunks: count}, nil
}

func (m *MemoryIndex) Close(ctx context.Context) error {
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Index = (*MemoryIndex)(nil)
