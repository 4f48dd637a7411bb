package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoIndex stores chunks as documents in MongoDB and searches them through
// an Atlas Vector Search index. Source metadata is denormalized onto each
// chunk document, so listing deduplicates by url with the latest crawl
// winning.
type MongoIndex struct {
	client      *mongo.Client
	coll        *mongo.Collection
	searchIndex string
	dimension   int
	logger      *logrus.Logger
}

type MongoOptions struct {
	Database    string
	Collection  string
	SearchIndex string
	Dimension   int
}

type mongoChunk struct {
	ID          string            `bson:"_id"`
	SourceURL   string            `bson:"sourceUrl"`
	Title       string            `bson:"title"`
	Description string            `bson:"description"`
	CrawledAt   time.Time         `bson:"crawledAt"`
	Ordinal     int               `bson:"ordinal"`
	Text        string            `bson:"text"`
	Embedding   []float32         `bson:"embedding"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
}

func NewMongo(client *mongo.Client, opts MongoOptions, logger *logrus.Logger) *MongoIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &MongoIndex{
		client:      client,
		coll:        client.Database(opts.Database).Collection(opts.Collection),
		searchIndex: opts.SearchIndex,
		dimension:   opts.Dimension,
		logger:      logger,
	}
}

func (m *MongoIndex) Init(ctx context.Context) error {
	if m.dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	if _, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sourceUrl", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create source index: %w: %w", ErrUnavailable, err)
	}

	exists, err := m.searchIndexExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	definition := bson.D{{Key: "fields", Value: bson.A{
		bson.D{
			{Key: "type", Value: "vector"},
			{Key: "path", Value: "embedding"},
			{Key: "numDimensions", Value: m.dimension},
			{Key: "similarity", Value: "cosine"},
		},
		bson.D{
			{Key: "type", Value: "filter"},
			{Key: "path", Value: "sourceUrl"},
		},
	}}}

	if _, err := m.coll.SearchIndexes().CreateOne(ctx, mongo.SearchIndexModel{
		Definition: definition,
		Options:    options.SearchIndexes().SetName(m.searchIndex).SetType("vectorSearch"),
	}); err != nil {
		return fmt.Errorf("create vector search index: %w", err)
	}

	// Atlas builds the index in the background; searches come up empty until
	// it is ready.
	m.logger.WithField("index", m.searchIndex).Info("created vector search index")
	return nil
}

func (m *MongoIndex) Upsert(ctx context.Context, src Source, chunks []Chunk) error {
	if err := validateChunks(chunks, m.dimension); err != nil {
		return err
	}

	if _, err := m.coll.DeleteMany(ctx, bson.D{{Key: "sourceUrl", Value: src.URL}}); err != nil {
		return fmt.Errorf("clear existing chunks: %w: %w", ErrUnavailable, err)
	}

	if len(chunks) == 0 {
		return nil
	}

	docs := make([]any, len(chunks))
	for i, chunk := range chunks {
		docs[i] = mongoChunk{
			ID:          uuid.New().String(),
			SourceURL:   src.URL,
			Title:       src.Title,
			Description: src.Description,
			CrawledAt:   src.CrawledAt,
			Ordinal:     chunk.Ordinal,
			Text:        chunk.Text,
			Embedding:   chunk.Embedding,
			Metadata:    chunk.Metadata,
		}
	}

	if _, err := m.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	return nil
}

func (m *MongoIndex) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	searchStage := bson.D{
		{Key: "index", Value: m.searchIndex},
		{Key: "path", Value: "embedding"},
		{Key: "queryVector", Value: vector},
		{Key: "numCandidates", Value: topK * 10},
		{Key: "limit", Value: topK},
	}
	if len(opts.SourceURLs) > 0 {
		searchStage = append(searchStage, bson.E{Key: "filter", Value: bson.D{
			{Key: "sourceUrl", Value: bson.D{{Key: "$in", Value: opts.SourceURLs}}},
		}})
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$vectorSearch", Value: searchStage}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "sourceUrl", Value: 1},
			{Key: "title", Value: 1},
			{Key: "text", Value: 1},
			{Key: "ordinal", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer cursor.Close(ctx)

	results := make([]Result, 0, topK)
	for cursor.Next(ctx) {
		var row struct {
			SourceURL string  `bson:"sourceUrl"`
			Title     string  `bson:"title"`
			Text      string  `bson:"text"`
			Ordinal   int     `bson:"ordinal"`
			Score     float64 `bson:"score"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		results = append(results, Result{
			SourceURL: row.SourceURL,
			Title:     row.Title,
			Text:      row.Text,
			Ordinal:   row.Ordinal,
			// Atlas reports cosine scores normalized to [0,1].
			Similarity: 2*row.Score - 1,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("search cursor: %w", err)
	}

	return rank(results, opts), nil
}

func (m *MongoIndex) ListSources(ctx context.Context) ([]Source, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$sort", Value: bson.D{{Key: "crawledAt", Value: -1}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$sourceUrl"},
			{Key: "title", Value: bson.D{{Key: "$first", Value: "$title"}}},
			{Key: "description", Value: bson.D{{Key: "$first", Value: "$description"}}},
			{Key: "crawledAt", Value: bson.D{{Key: "$first", Value: "$crawledAt"}}},
			{Key: "chunks", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "crawledAt", Value: -1}, {Key: "_id", Value: 1}}}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer cursor.Close(ctx)

	sources := make([]Source, 0)
	for cursor.Next(ctx) {
		var row struct {
			URL         string    `bson:"_id"`
			Title       string    `bson:"title"`
			Description string    `bson:"description"`
			CrawledAt   time.Time `bson:"crawledAt"`
			Chunks      int       `bson:"chunks"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode source: %w", err)
		}
		sources = append(sources, Source{
			URL:         row.URL,
			Title:       row.Title,
			Description: row.Description,
			CrawledAt:   row.CrawledAt,
			Chunks:      row.Chunks,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("sources cursor: %w", err)
	}

	return sources, nil
}

func (m *MongoIndex) DeleteSource(ctx context.Context, url string) error {
	if _, err := m.coll.DeleteMany(ctx, bson.D{{Key: "sourceUrl", Value: url}}); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

func (m *MongoIndex) Health(ctx context.Context) (Health, error) {
	count, err := m.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("count chunks: %w: %w", ErrUnavailable, err)
	}
	return Health{HasData: count > 0, Chunks: count}, nil
}

func (m *MongoIndex) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoIndex) searchIndexExists(ctx context.Context) (bool, error) {
	cursor, err := m.coll.SearchIndexes().List(ctx, options.SearchIndexes().SetName(m.searchIndex))
	if err != nil {
		return false, fmt.Errorf("list search indexes: %w", err)
	}
	defer cursor.Close(ctx)

	return cursor.Next(ctx), nil
}

var _ Index = (*MongoIndex)(nil)
