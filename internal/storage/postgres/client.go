package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/pkg/logger"
)

type Client struct {
	pool *pgxpool.Pool
}

func NewClient(ctx context.Context, dsn string, maxConns int32) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	logger.Info("Postgres client initialized", zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))

	return &Client{pool: pool}, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS queries (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  query_text TEXT NOT NULL,
  query_type TEXT NOT NULL DEFAULT 'rag',
  status TEXT NOT NULL,
  processing_time_ms BIGINT,
  retrieved_chunks_count INTEGER NOT NULL DEFAULT 0,
  retrieved_documents JSONB NOT NULL DEFAULT '[]',
  similarity_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
  llm_provider TEXT NOT NULL DEFAULT '',
  llm_model TEXT NOT NULL DEFAULT '',
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  total_tokens INTEGER NOT NULL DEFAULT 0,
  estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
  user_rating INTEGER,
  feedback TEXT,
  session_id TEXT,
  conversation_turn INTEGER NOT NULL DEFAULT 1,
  query_metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_user_created ON queries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_queries_session ON queries(session_id);

CREATE TABLE IF NOT EXISTS query_responses (
  id TEXT PRIMARY KEY,
  query_id TEXT NOT NULL UNIQUE REFERENCES queries(id) ON DELETE CASCADE,
  response_text TEXT NOT NULL,
  response_format TEXT NOT NULL DEFAULT 'text',
  context_used TEXT NOT NULL DEFAULT '',
  context_chunks JSONB NOT NULL DEFAULT '[]',
  confidence_score DOUBLE PRECISION,
  source_attribution JSONB NOT NULL DEFAULT '[]',
  contains_citations BOOLEAN NOT NULL DEFAULT FALSE,
  fact_checked BOOLEAN NOT NULL DEFAULT FALSE,
  is_cached BOOLEAN NOT NULL DEFAULT FALSE,
  cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
  generated_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_preferences (
  user_id TEXT PRIMARY KEY,
  llm_provider TEXT,
  llm_model TEXT,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  filename TEXT NOT NULL,
  content_type TEXT NOT NULL,
  size_bytes BIGINT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  chunk_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

CREATE TABLE IF NOT EXISTS document_chunks (
  id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  chunk_index INTEGER NOT NULL,
  text TEXT NOT NULL,
  start_char INTEGER NOT NULL,
  end_char INTEGER NOT NULL,
  page_number INTEGER,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
`
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Postgres schema initialized")
	return nil
}

const queryColumns = `id, user_id, query_text, query_type, status, processing_time_ms, retrieved_chunks_count,
  retrieved_documents, similarity_threshold, llm_provider, llm_model, input_tokens, output_tokens, total_tokens,
  estimated_cost, user_rating, feedback, session_id, conversation_turn, query_metadata, created_at, updated_at`

const responseColumns = `id, query_id, response_text, response_format, context_used, context_chunks, confidence_score,
  source_attribution, contains_citations, fact_checked, is_cached, cache_hit, generated_at, created_at, updated_at`

func (c *Client) CreateQuery(ctx context.Context, q *models.Query) error {
	_, err := c.pool.Exec(ctx, `
INSERT INTO queries (`+queryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		q.ID, q.UserID, q.QueryText, q.QueryType, string(q.Status), q.ProcessingTimeMS, q.RetrievedChunksCount,
		q.RetrievedDocuments, q.SimilarityThreshold, q.LLMProvider, q.LLMModel, q.InputTokens, q.OutputTokens,
		q.TotalTokens, q.EstimatedCost, q.UserRating, q.Feedback, q.SessionID, q.ConversationTurn, q.Metadata,
		q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}
	return nil
}

func (c *Client) UpdateQuery(ctx context.Context, q *models.Query) error {
	tag, err := c.pool.Exec(ctx, `
UPDATE queries SET
  status = $3,
  processing_time_ms = $4,
  retrieved_chunks_count = $5,
  retrieved_documents = $6,
  similarity_threshold = $7,
  llm_provider = $8,
  llm_model = $9,
  input_tokens = $10,
  output_tokens = $11,
  total_tokens = $12,
  estimated_cost = $13,
  query_metadata = $14,
  updated_at = $15
WHERE id = $1 AND user_id = $2`,
		q.ID, q.UserID, string(q.Status), q.ProcessingTimeMS, q.RetrievedChunksCount, q.RetrievedDocuments,
		q.SimilarityThreshold, q.LLMProvider, q.LLMModel, q.InputTokens, q.OutputTokens, q.TotalTokens,
		q.EstimatedCost, q.Metadata, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) GetQuery(ctx context.Context, userID, id string) (*models.QueryWithResponse, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	q, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[models.Query])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan query: %w", err)
	}

	out := &models.QueryWithResponse{Query: q}
	resp, err := c.GetResponse(ctx, id)
	switch {
	case err == nil:
		out.Response = resp
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateResponse(ctx context.Context, r *models.QueryResponse) (bool, error) {
	tag, err := c.pool.Exec(ctx, `
INSERT INTO query_responses (`+responseColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (query_id) DO NOTHING`,
		r.ID, r.QueryID, r.ResponseText, r.ResponseFormat, r.ContextUsed, r.ContextChunks, r.ConfidenceScore,
		r.SourceAttribution, r.ContainsCitations, r.FactChecked, r.IsCached, r.CacheHit, r.GeneratedAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert query response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Client) GetResponse(ctx context.Context, queryID string) (*models.QueryResponse, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+responseColumns+` FROM query_responses WHERE query_id = $1`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query response: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[models.QueryResponse])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan query response: %w", err)
	}
	return &r, nil
}

func (c *Client) ListQueries(ctx context.Context, userID, sessionID string, skip, limit int) ([]models.QueryWithResponse, int, error) {
	where := `WHERE user_id = $1`
	args := []any{userID}
	if sessionID != "" {
		where += ` AND session_id = $2`
		args = append(args, sessionID)
	}

	var total int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count queries: %w", err)
	}

	n := len(args)
	listSQL := `SELECT ` + queryColumns + ` FROM queries ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := c.pool.Query(ctx, listSQL, append(args, limit, skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list queries: %w", err)
	}
	queries, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Query])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan queries: %w", err)
	}
	if len(queries) == 0 {
		return []models.QueryWithResponse{}, total, nil
	}

	ids := make([]string, len(queries))
	for i, q := range queries {
		ids[i] = q.ID
	}
	rows, err = c.pool.Query(ctx, `SELECT `+responseColumns+` FROM query_responses WHERE query_id = ANY($1)`, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list query responses: %w", err)
	}
	responses, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.QueryResponse])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan query responses: %w", err)
	}

	byQuery := make(map[string]*models.QueryResponse, len(responses))
	for i := range responses {
		byQuery[responses[i].QueryID] = &responses[i]
	}

	out := make([]models.QueryWithResponse, len(queries))
	for i, q := range queries {
		out[i] = models.QueryWithResponse{Query: q, Response: byQuery[q.ID]}
	}
	return out, total, nil
}

func (c *Client) SetFeedback(ctx context.Context, userID, queryID string, rating int, feedback *string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE queries SET user_rating = $3, feedback = $4, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		queryID, userID, rating, feedback,
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) Aggregate(ctx context.Context, userID string, since, dayStart time.Time) (*models.QueryAggregates, error) {
	agg := &models.QueryAggregates{QueriesByType: map[string]int{}}

	err := c.pool.QueryRow(ctx, `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE created_at >= $3),
  AVG(processing_time_ms)::float8,
  (AVG(total_tokens) FILTER (WHERE total_tokens > 0))::float8,
  COALESCE(SUM(estimated_cost), 0)::float8,
  AVG(user_rating)::float8
FROM queries
WHERE user_id = $1 AND created_at >= $2`, userID, since, dayStart).
		Scan(&agg.TotalQueries, &agg.QueriesToday, &agg.AvgProcessingTimeMS, &agg.AvgTokensPerQuery, &agg.TotalCost, &agg.AvgRating)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate queries: %w", err)
	}

	rows, err := c.pool.Query(ctx, `
SELECT query_type, COUNT(*)
FROM queries
WHERE user_id = $1 AND created_at >= $2
GROUP BY query_type`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count queries by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var queryType string
		var count int
		if err := rows.Scan(&queryType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan query type count: %w", err)
		}
		agg.QueriesByType[queryType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query types: %w", err)
	}
	return agg, nil
}

func (c *Client) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	var p models.UserPreferences
	err := c.pool.QueryRow(ctx, `SELECT user_id, llm_provider, llm_model, updated_at FROM user_preferences WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.LLMProvider, &p.LLMModel, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	return &p, nil
}

func (c *Client) UpsertUserPreferences(ctx context.Context, p *models.UserPreferences) error {
	_, err := c.pool.Exec(ctx, `
INSERT INTO user_preferences (user_id, llm_provider, llm_model, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id)
DO UPDATE SET
  llm_provider = EXCLUDED.llm_provider,
  llm_model = EXCLUDED.llm_model,
  updated_at = EXCLUDED.updated_at`,
		p.UserID, p.LLMProvider, p.LLMModel, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user preferences: %w", err)
	}
	return nil
}

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	_, err := c.pool.Exec(ctx, `
INSERT INTO documents (id, user_id, filename, content_type, size_bytes, status, chunk_count, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.UserID, doc.Filename, doc.ContentType, doc.SizeBytes, string(doc.Status), doc.ChunkCount,
		doc.ErrorMessage, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (c *Client) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, chunkCount int, errMsg *string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE documents SET status = $2, chunk_count = $3, error_message = $4, updated_at = NOW() WHERE id = $1`,
		id, string(status), chunkCount, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		batch.Queue(`
INSERT INTO document_chunks (id, document_id, chunk_index, text, start_char, end_char, page_number, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ch.ID, ch.DocumentID, ch.ChunkIndex, ch.Text, ch.StartChar, ch.EndChar, ch.PageNumber, ch.CreatedAt,
		)
	}

	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, userID, id string) (*models.Document, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, user_id, filename, content_type, size_bytes, status, chunk_count, error_message, created_at, updated_at
FROM documents WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[models.Document])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &doc, nil
}

func (c *Client) DeleteDocument(ctx context.Context, userID, id string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
