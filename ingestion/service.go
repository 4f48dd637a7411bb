package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/embeddings"
	"github.com/adya9/web-whisper/index"
	"github.com/adya9/web-whisper/metrics"
)

var (
	// ErrInvalidPage flags caller-correctable input: missing url or no
	// usable text.
	ErrInvalidPage = errors.New("invalid page")
	// ErrPartialIngestion flags a source whose embeddings were generated
	// but whose chunks could not be stored. Re-running ingestion for the
	// url replaces the chunk set wholesale.
	ErrPartialIngestion = errors.New("partial ingestion")
)

// Page is a crawled document handed over by the crawler: extracted text for
// HTML, raw bytes for binary formats such as PDF.
type Page struct {
	URL         string
	Title       string
	Description string
	ContentType string
	Text        string
	Data        []byte
	CrawledAt   time.Time
}

// Stats reports what one ingestion call stored.
type Stats struct {
	URL    string `json:"url"`
	Chunks int    `json:"chunks"`
}

// Service turns crawled pages into embedded chunks in the vector index.
// Re-crawls of the same url are serialized by a per-url lock so interleaved
// delete/insert sequences cannot corrupt a source's chunk set.
type Service struct {
	idx      index.Index
	embedder embeddings.Embedder
	chunker  Chunker
	logger   *logrus.Logger

	locks sync.Map // url -> *sync.Mutex
}

func NewService(idx index.Index, embedder embeddings.Embedder, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}

	return &Service{
		idx:      idx,
		embedder: embedder,
		chunker:  NewChunker(),
		logger:   logger,
	}
}

// Ingest chunks, embeds, and stores one page, replacing whatever was stored
// for its url before.
func (s *Service) Ingest(ctx context.Context, page Page) (Stats, error) {
	if strings.TrimSpace(page.URL) == "" {
		return Stats{}, fmt.Errorf("%w: url is required", ErrInvalidPage)
	}

	lock := s.sourceLock(page.URL)
	lock.Lock()
	defer lock.Unlock()

	text := page.Text
	if isPDF(page) {
		extracted, err := extractPDFText(page.Data)
		if err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
		}
		text = extracted
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	pieces := s.chunker.Split(text)
	if len(pieces) == 0 {
		return Stats{}, fmt.Errorf("%w: no usable text", ErrInvalidPage)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, pieces)
	if err != nil {
		return Stats{}, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return Stats{}, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(pieces), len(vectors))
	}

	title := strings.TrimSpace(page.Title)
	if title == "" {
		title = firstNonEmptyLine(text)
	}
	crawledAt := page.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = time.Now().UTC()
	}

	chunks := make([]index.Chunk, len(pieces))
	for i, piece := range pieces {
		chunk := index.Chunk{
			Ordinal:   i,
			Text:      piece,
			Embedding: vectors[i],
		}
		if page.ContentType != "" {
			chunk.Metadata = map[string]string{"content_type": page.ContentType}
		}
		chunks[i] = chunk
	}

	src := index.Source{
		URL:         page.URL,
		Title:       title,
		Description: page.Description,
		CrawledAt:   crawledAt,
	}

	if err := s.idx.Upsert(ctx, src, chunks); err != nil {
		return Stats{}, fmt.Errorf("store chunks for %s: %w: %w", page.URL, ErrPartialIngestion, err)
	}

	metrics.IngestedSources.Inc()
	metrics.IngestedChunks.Add(float64(len(chunks)))
	s.logger.WithFields(logrus.Fields{
		"url":    page.URL,
		"chunks": len(chunks),
	}).Info("ingested source")

	return Stats{URL: page.URL, Chunks: len(chunks)}, nil
}

// Delete removes all stored chunks for a url. Absent urls are a no-op.
func (s *Service) Delete(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidPage)
	}

	lock := s.sourceLock(url)
	lock.Lock()
	defer lock.Unlock()

	if err := s.idx.DeleteSource(ctx, url); err != nil {
		return fmt.Errorf("delete source %s: %w", url, err)
	}

	s.logger.WithField("url", url).Info("deleted source")
	return nil
}

// Sources lists every stored source.
func (s *Service) Sources(ctx context.Context) ([]index.Source, error) {
	return s.idx.ListSources(ctx)
}

func (s *Service) sourceLock(url string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(url, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
