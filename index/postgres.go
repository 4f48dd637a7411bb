package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"
)

// PostgresIndex stores chunks in Postgres with the pgvector extension and
// searches with the cosine distance operator.
type PostgresIndex struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *logrus.Logger
}

func NewPostgres(pool *pgxpool.Pool, dimension int, logger *logrus.Logger) *PostgresIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresIndex{pool: pool, dimension: dimension, logger: logger}
}

func (p *PostgresIndex) Init(ctx context.Context) error {
	if p.dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_sources (
			url TEXT PRIMARY KEY,
			title TEXT,
			description TEXT,
			crawled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY,
			source_url TEXT NOT NULL REFERENCES rag_sources(url) ON DELETE CASCADE,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(source_url, ordinal)
		)`, p.dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source_url)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING ivfflat (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w: %w", ErrUnavailable, err)
		}
	}

	return nil
}

func (p *PostgresIndex) Upsert(ctx context.Context, src Source, chunks []Chunk) (err error) {
	if err := validateChunks(chunks, p.dimension); err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", ErrUnavailable, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				p.logger.WithError(rbErr).Warn("rollback error")
			}
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO rag_sources (url, title, description, crawled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE
		SET title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    crawled_at = EXCLUDED.crawled_at
	`, src.URL, src.Title, src.Description, src.CrawledAt); err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE source_url = $1", src.URL); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	for _, chunk := range chunks {
		vec := pgvector.NewVector(chunk.Embedding)
		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_chunks (id, source_url, ordinal, content, embedding, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, uuid.New(), src.URL, chunk.Ordinal, chunk.Text, vec, chunk.Metadata); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Ordinal, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (p *PostgresIndex) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Result, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w: %w", ErrUnavailable, err)
	}
	defer conn.Release()

	probes := topK * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	query := `
        SELECT
            s.url,
            s.title,
            c.content,
            c.ordinal,
            (c.embedding <=> $1::vector) AS distance
        FROM rag_chunks c
        JOIN rag_sources s ON s.url = c.source_url
        ORDER BY c.embedding <=> $1::vector
        LIMIT $2
    `
	args := []any{pgvector.NewVector(vector), topK}
	if len(opts.SourceURLs) > 0 {
		query = `
        SELECT
            s.url,
            s.title,
            c.content,
            c.ordinal,
            (c.embedding <=> $1::vector) AS distance
        FROM rag_chunks c
        JOIN rag_sources s ON s.url = c.source_url
        WHERE c.source_url = ANY($3)
        ORDER BY c.embedding <=> $1::vector
        LIMIT $2
    `
		args = append(args, opts.SourceURLs)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, topK)
	for rows.Next() {
		var item Result
		var distance float64
		if scanErr := rows.Scan(&item.SourceURL, &item.Title, &item.Text, &item.Ordinal, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Similarity = 1 - distance
		results = append(results, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return rank(results, opts), nil
}

func (p *PostgresIndex) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.url, COALESCE(s.title, ''), COALESCE(s.description, ''), s.crawled_at, COUNT(c.id)
		FROM rag_sources s
		LEFT JOIN rag_chunks c ON c.source_url = s.url
		GROUP BY s.url, s.title, s.description, s.crawled_at
		ORDER BY s.crawled_at DESC, s.url
	`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	sources := make([]Source, 0)
	for rows.Next() {
		var src Source
		var count int64
		if err := rows.Scan(&src.URL, &src.Title, &src.Description, &src.CrawledAt, &count); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Chunks = int(count)
		sources = append(sources, src)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return sources, nil
}

func (p *PostgresIndex) DeleteSource(ctx context.Context, url string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM rag_sources WHERE url = $1", url); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Health(ctx context.Context) (Health, error) {
	var count int64
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_chunks").Scan(&count); err != nil {
		return Health{}, fmt.Errorf("count chunks: %w: %w", ErrUnavailable, err)
	}
	return Health{HasData: count > 0, Chunks: count}, nil
}

func (p *PostgresIndex) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

var _ Index = (*PostgresIndex)(nil)
