package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// QdrantIndex speaks Qdrant's REST API directly. The collection uses cosine
// distance, so search scores are already in the shared similarity space.
type QdrantIndex struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
	logger     *logrus.Logger
}

type QdrantOptions struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

func NewQdrant(opts QdrantOptions, logger *logrus.Logger) *QdrantIndex {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantIndex{
		url:        opts.URL,
		apiKey:     opts.APIKey,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (q *QdrantIndex) Init(ctx context.Context) error {
	if q.dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	exists, err := q.collectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	if err := q.putJSON(ctx, fmt.Sprintf("%s/collections/%s", q.url, q.collection), body); err != nil {
		return err
	}
	q.logger.WithField("collection", q.collection).Info("created qdrant collection")
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, src Source, chunks []Chunk) error {
	if err := validateChunks(chunks, q.dimension); err != nil {
		return err
	}

	if err := q.deleteByURL(ctx, src.URL); err != nil {
		return fmt.Errorf("clear existing points: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}

	points := make([]map[string]any, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]any{
			"source_url":  src.URL,
			"title":       src.Title,
			"description": src.Description,
			"crawled_at":  src.CrawledAt.Format(time.RFC3339),
			"ordinal":     chunk.Ordinal,
			"text":        chunk.Text,
		}
		for key, value := range chunk.Metadata {
			payload["meta_"+key] = value
		}
		points[i] = map[string]any{
			"id":      uuid.New().String(),
			"vector":  chunk.Embedding,
			"payload": payload,
		}
	}

	body := map[string]any{"points": points}
	return q.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", q.url, q.collection), body)
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if len(opts.SourceURLs) > 0 {
		req["filter"] = map[string]any{
			"must": []map[string]any{
				{"key": "source_url", "match": map[string]any{"any": opts.SourceURLs}},
			},
		}
	}

	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", q.url, q.collection), req, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Result))
	for _, r := range resp.Result {
		item := Result{Similarity: r.Score}
		if v, ok := r.Payload["source_url"].(string); ok {
			item.SourceURL = v
		}
		if v, ok := r.Payload["title"].(string); ok {
			item.Title = v
		}
		if v, ok := r.Payload["text"].(string); ok {
			item.Text = v
		}
		if v, ok := r.Payload["ordinal"].(float64); ok {
			item.Ordinal = int(v)
		}
		results = append(results, item)
	}

	return rank(results, opts), nil
}

func (q *QdrantIndex) ListSources(ctx context.Context) ([]Source, error) {
	type scrollPoint struct {
		Payload map[string]any `json:"payload"`
	}

	seen := make(map[string]*Source)
	var offset json.RawMessage

	for {
		req := map[string]any{
			"limit":        256,
			"with_payload": []string{"source_url", "title", "description", "crawled_at"},
			"with_vector":  false,
		}
		if offset != nil {
			req["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points         []scrollPoint   `json:"points"`
				NextPageOffset json.RawMessage `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/scroll", q.url, q.collection), req, &resp); err != nil {
			return nil, err
		}

		for _, point := range resp.Result.Points {
			url, _ := point.Payload["source_url"].(string)
			if url == "" {
				continue
			}
			crawledAt := parseQdrantTime(point.Payload["crawled_at"])
			existing, ok := seen[url]
			if ok {
				existing.Chunks++
				// Most-recently-seen metadata wins on re-crawl stragglers.
				if crawledAt.After(existing.CrawledAt) {
					existing.CrawledAt = crawledAt
					existing.Title, _ = point.Payload["title"].(string)
					existing.Description, _ = point.Payload["description"].(string)
				}
				continue
			}
			src := &Source{URL: url, CrawledAt: crawledAt, Chunks: 1}
			src.Title, _ = point.Payload["title"].(string)
			src.Description, _ = point.Payload["description"].(string)
			seen[url] = src
		}

		if len(resp.Result.NextPageOffset) == 0 || string(resp.Result.NextPageOffset) == "null" {
			break
		}
		offset = resp.Result.NextPageOffset
	}

	sources := make([]Source, 0, len(seen))
	for _, src := range seen {
		sources = append(sources, *src)
	}
	sortSources(sources)
	return sources, nil
}

func (q *QdrantIndex) DeleteSource(ctx context.Context, url string) error {
	return q.deleteByURL(ctx, url)
}

func (q *QdrantIndex) Health(ctx context.Context) (Health, error) {
	var resp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	err := q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/count", q.url, q.collection), map[string]any{"exact": true}, &resp)
	if err != nil {
		return Health{}, err
	}
	return Health{HasData: resp.Result.Count > 0, Chunks: resp.Result.Count}, nil
}

func (q *QdrantIndex) Close(ctx context.Context) error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *QdrantIndex) deleteByURL(ctx context.Context, url string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "source_url", "match": map[string]any{"value": url}},
			},
		},
	}
	return q.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.url, q.collection), body, nil)
}

func (q *QdrantIndex) collectionExists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", q.url, q.collection), nil)
	if err != nil {
		return false, fmt.Errorf("create qdrant request: %w", err)
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("call qdrant: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("qdrant GET collection failed: %s", resp.Status)
	default:
		return true, nil
	}
}

func (q *QdrantIndex) putJSON(ctx context.Context, url string, body any) error {
	return q.send(ctx, http.MethodPut, url, body, nil)
}

func (q *QdrantIndex) postJSON(ctx context.Context, url string, body any, out any) error {
	return q.send(ctx, http.MethodPost, url, body, out)
}

func (q *QdrantIndex) send(ctx context.Context, method, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal qdrant request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("call qdrant: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (q *QdrantIndex) setHeaders(req *http.Request) {
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
}

func parseQdrantTime(value any) time.Time {
	raw, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Index = (*QdrantIndex)(nil)
