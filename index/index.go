package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/config"
	"github.com/adya9/web-whisper/database"
)

// ErrUnavailable marks backend connectivity failures. Ingestion paths surface
// it; search paths degrade to empty results instead.
var ErrUnavailable = errors.New("vector index unavailable")

const (
	defaultTopK  = 5
	relaxedLimit = 3
)

// Index is the storage contract every backend implements. Adding a backend
// means implementing these operations, never touching callers.
type Index interface {
	// Init is idempotent and ensures the collection, schema and index
	// structures exist and are queryable.
	Init(ctx context.Context) error
	// Upsert replaces the whole chunk set stored for src.URL. Callers never
	// observe a mixed old/new set after it returns successfully.
	Upsert(ctx context.Context, src Source, chunks []Chunk) error
	// Search returns results sorted by descending similarity. When the index
	// is non-empty but nothing clears opts.Threshold, the best
	// min(3, available) results are returned anyway, marked as fallback.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error)
	// ListSources returns distinct sources, most recently crawled first.
	ListSources(ctx context.Context) ([]Source, error)
	// DeleteSource removes all chunks for url; absent urls are a no-op.
	DeleteSource(ctx context.Context, url string) error
	// Health is a cheap probe used to short-circuit queries before paying
	// for an embedding call when the index holds nothing.
	Health(ctx context.Context) (Health, error)
	Close(ctx context.Context) error
}

// New builds the backend selected by cfg.Index.Backend, owning the long-lived
// connection handle it needs.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (Index, error) {
	dimension := cfg.Embeddings.Dimension

	switch cfg.Index.Backend {
	case config.BackendMemory:
		return NewMemory(dimension), nil
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		return NewPostgres(pool, dimension, logger), nil
	case config.BackendQdrant:
		return NewQdrant(QdrantOptions{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Dimension:  dimension,
			Timeout:    cfg.Qdrant.Timeout,
		}, logger), nil
	case config.BackendMongo:
		client, err := database.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, fmt.Errorf("mongo connection: %w", err)
		}
		return NewMongo(client, MongoOptions{
			Database:    cfg.Mongo.Database,
			Collection:  cfg.Mongo.Collection,
			SearchIndex: cfg.Mongo.SearchIndex,
			Dimension:   dimension,
		}, logger), nil
	case config.BackendNeo4j:
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		return NewNeoGraph(driver, dimension, logger), nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}
}

func validateChunks(chunks []Chunk, dimension int) error {
	for i, chunk := range chunks {
		if len(chunk.Embedding) != dimension {
			return fmt.Errorf("chunk %d: embedding dimension mismatch: expected %d, got %d", i, dimension, len(chunk.Embedding))
		}
	}
	return nil
}
