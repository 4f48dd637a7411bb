package index

import "time"

// Source is one crawled document, identified by its url. Re-ingestion
// supersedes the previous record, it never merges.
type Source struct {
	URL         string
	Title       string
	Description string
	CrawledAt   time.Time
	Chunks      int
}

// Chunk is a bounded slice of a source's text. Ordinals are unique and
// contiguous within a source; the embedding length must equal the configured
// dimension or the chunk is rejected at write time.
type Chunk struct {
	Ordinal   int
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

// Result is one retrieved passage with its source attribution. Similarity is
// cosine similarity regardless of the backend's native metric, so scores are
// comparable across backends. Fallback marks results surfaced by threshold
// relaxation.
type Result struct {
	SourceURL  string
	Title      string
	Text       string
	Ordinal    int
	Similarity float64
	Fallback   bool
}

type Health struct {
	HasData bool
	Chunks  int64
}

type SearchOptions struct {
	TopK       int
	Threshold  float64
	SourceURLs []string
}
