package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

const neoVectorIndex = "chunk_embeddings"

// NeoGraphIndex keeps sources and chunks as graph nodes and searches with
// Neo4j's native vector index. Chunk metadata is stored as a JSON string
// property because Neo4j has no map-valued properties.
type NeoGraphIndex struct {
	driver    neo4j.DriverWithContext
	dimension int
	logger    *logrus.Logger
}

func NewNeoGraph(driver neo4j.DriverWithContext, dimension int, logger *logrus.Logger) *NeoGraphIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &NeoGraphIndex{driver: driver, dimension: dimension, logger: logger}
}

func (n *NeoGraphIndex) Init(ctx context.Context) error {
	if n.dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmts := []string{
		"CREATE CONSTRAINT source_url_unique IF NOT EXISTS FOR (s:Source) REQUIRE s.url IS UNIQUE",
		// Index DDL does not accept parameters, the dimension has to be inlined.
		fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
			FOR (c:Chunk) ON (c.embedding)
			OPTIONS {indexConfig: {
				`+"`vector.dimensions`"+`: %d,
				`+"`vector.similarity_function`"+`: 'cosine'
			}}`, neoVectorIndex, n.dimension),
	}

	for _, stmt := range stmts {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("run schema statement: %w: %w", ErrUnavailable, err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("consume schema statement: %w", err)
		}
	}

	n.logger.WithField("index", neoVectorIndex).Debug("graph schema ensured")
	return nil
}

func (n *NeoGraphIndex) Upsert(ctx context.Context, src Source, chunks []Chunk) error {
	if err := validateChunks(chunks, n.dimension); err != nil {
		return err
	}

	chunkParams := make([]map[string]any, len(chunks))
	for i, chunk := range chunks {
		params := map[string]any{
			"ordinal":   chunk.Ordinal,
			"text":      chunk.Text,
			"embedding": toFloat64(chunk.Embedding),
		}
		if len(chunk.Metadata) > 0 {
			encoded, err := json.Marshal(chunk.Metadata)
			if err != nil {
				return fmt.Errorf("encode chunk metadata: %w", err)
			}
			params["metadata"] = string(encoded)
		} else {
			params["metadata"] = ""
		}
		chunkParams[i] = params
	}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"url":         src.URL,
		"title":       src.Title,
		"description": src.Description,
		"crawled_at":  src.CrawledAt.UnixMilli(),
		"chunks":      chunkParams,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (s:Source {url: $url})
			SET s.title = $title,
			    s.description = $description,
			    s.crawled_at = $crawled_at
		`, params); err != nil {
			return nil, fmt.Errorf("upsert source node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (s:Source {url: $url})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (s:Source {url: $url})
			UNWIND $chunks AS chunk
			CREATE (c:Chunk {
				ordinal: chunk.ordinal,
				text: chunk.text,
				embedding: chunk.embedding,
				metadata: chunk.metadata
			})
			CREATE (s)-[:HAS_CHUNK {order: chunk.ordinal}]->(c)
		`, params); err != nil {
			return nil, fmt.Errorf("create chunk nodes: %w", err)
		}

		return nil, nil
	})

	return err
}

func (n *NeoGraphIndex) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	// The vector index is queried before the url filter applies, so widen the
	// candidate pool when filtering.
	k := topK
	if len(opts.SourceURLs) > 0 {
		k = topK * 4
	}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		CALL db.index.vector.queryNodes($index, $k, $vector)
		YIELD node, score
		MATCH (s:Source)-[:HAS_CHUNK]->(node)
		RETURN s.url AS url, s.title AS title, node.text AS text, node.ordinal AS ordinal, score
	`
	params := map[string]any{
		"index":  neoVectorIndex,
		"k":      k,
		"vector": toFloat64(vector),
	}
	if len(opts.SourceURLs) > 0 {
		query = `
		CALL db.index.vector.queryNodes($index, $k, $vector)
		YIELD node, score
		MATCH (s:Source)-[:HAS_CHUNK]->(node)
		WHERE s.url IN $urls
		RETURN s.url AS url, s.title AS title, node.text AS text, node.ordinal AS ordinal, score
	`
		params["urls"] = opts.SourceURLs
	}

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("run vector query: %w: %w", ErrUnavailable, err)
	}

	results := make([]Result, 0, topK)
	for result.Next(ctx) {
		record := result.Record()
		item := Result{}
		if v, ok := record.Get("url"); ok {
			item.SourceURL, _ = v.(string)
		}
		if v, ok := record.Get("title"); ok {
			item.Title, _ = v.(string)
		}
		if v, ok := record.Get("text"); ok {
			item.Text, _ = v.(string)
		}
		if v, ok := record.Get("ordinal"); ok {
			item.Ordinal = int(toInt64(v))
		}
		if v, ok := record.Get("score"); ok {
			if score, ok := v.(float64); ok {
				// queryNodes reports cosine scores normalized to [0,1].
				item.Similarity = 2*score - 1
			}
		}
		results = append(results, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("vector query result: %w", err)
	}

	return rank(results, opts), nil
}

func (n *NeoGraphIndex) ListSources(ctx context.Context) ([]Source, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (s:Source)
		OPTIONAL MATCH (s)-[:HAS_CHUNK]->(c:Chunk)
		RETURN s.url AS url, s.title AS title, s.description AS description,
		       s.crawled_at AS crawled_at, count(c) AS chunks
		ORDER BY s.crawled_at DESC, s.url
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("run sources query: %w", err)
	}

	sources := make([]Source, 0)
	for result.Next(ctx) {
		record := result.Record()
		src := Source{}
		if v, ok := record.Get("url"); ok {
			src.URL, _ = v.(string)
		}
		if v, ok := record.Get("title"); ok {
			src.Title, _ = v.(string)
		}
		if v, ok := record.Get("description"); ok {
			src.Description, _ = v.(string)
		}
		if v, ok := record.Get("crawled_at"); ok {
			src.CrawledAt = time.UnixMilli(toInt64(v))
		}
		if v, ok := record.Get("chunks"); ok {
			src.Chunks = int(toInt64(v))
		}
		sources = append(sources, src)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("sources result: %w", err)
	}

	return sources, nil
}

func (n *NeoGraphIndex) DeleteSource(ctx context.Context, url string) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (s:Source {url: $url})
			OPTIONAL MATCH (s)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE s, c
		`, map[string]any{"url": url}); err != nil {
			return nil, fmt.Errorf("delete source nodes: %w", err)
		}
		return nil, nil
	})

	return err
}

func (n *NeoGraphIndex) Health(ctx context.Context) (Health, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, "MATCH (c:Chunk) RETURN count(c) AS chunks", nil)
	if err != nil {
		return Health{}, fmt.Errorf("run health query: %w: %w", ErrUnavailable, err)
	}

	var count int64
	if result.Next(ctx) {
		if v, ok := result.Record().Get("chunks"); ok {
			count = toInt64(v)
		}
	}
	if err := result.Err(); err != nil {
		return Health{}, fmt.Errorf("health result: %w", err)
	}

	return Health{HasData: count > 0, Chunks: count}, nil
}

func (n *NeoGraphIndex) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

func toFloat64(vector []float32) []float64 {
	converted := make([]float64, len(vector))
	for i, v := range vector {
		converted[i] = float64(v)
	}
	return converted
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

var _ Index = (*NeoGraphIndex)(nil)
