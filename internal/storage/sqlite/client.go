package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/pkg/logger"
)

type Client struct {
	db *sqlx.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		query_type TEXT NOT NULL DEFAULT 'rag',
		status TEXT NOT NULL,
		processing_time_ms INTEGER,
		retrieved_chunks_count INTEGER NOT NULL DEFAULT 0,
		retrieved_documents TEXT NOT NULL DEFAULT '[]',
		similarity_threshold REAL NOT NULL DEFAULT 0,
		llm_provider TEXT NOT NULL DEFAULT '',
		llm_model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		user_rating INTEGER,
		feedback TEXT,
		session_id TEXT,
		conversation_turn INTEGER NOT NULL DEFAULT 1,
		query_metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queries_user_created ON queries(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queries_session ON queries(session_id);

	CREATE TABLE IF NOT EXISTS query_responses (
		id TEXT PRIMARY KEY,
		query_id TEXT NOT NULL UNIQUE,
		response_text TEXT NOT NULL,
		response_format TEXT NOT NULL DEFAULT 'text',
		context_used TEXT NOT NULL DEFAULT '',
		context_chunks TEXT NOT NULL DEFAULT '[]',
		confidence_score REAL,
		source_attribution TEXT NOT NULL DEFAULT '[]',
		contains_citations INTEGER NOT NULL DEFAULT 0,
		fact_checked INTEGER NOT NULL DEFAULT 0,
		is_cached INTEGER NOT NULL DEFAULT 0,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		generated_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (query_id) REFERENCES queries(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		llm_provider TEXT,
		llm_model TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_char INTEGER NOT NULL,
		end_char INTEGER NOT NULL,
		page_number INTEGER,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const queryColumns = `id, user_id, query_text, query_type, status, processing_time_ms, retrieved_chunks_count,
	retrieved_documents, similarity_threshold, llm_provider, llm_model, input_tokens, output_tokens, total_tokens,
	estimated_cost, user_rating, feedback, session_id, conversation_turn, query_metadata, created_at, updated_at`

const responseColumns = `id, query_id, response_text, response_format, context_used, context_chunks, confidence_score,
	source_attribution, contains_citations, fact_checked, is_cached, cache_hit, generated_at, created_at, updated_at`

func (c *Client) CreateQuery(ctx context.Context, q *models.Query) error {
	query := `
		INSERT INTO queries (` + queryColumns + `)
		VALUES (:id, :user_id, :query_text, :query_type, :status, :processing_time_ms, :retrieved_chunks_count,
			:retrieved_documents, :similarity_threshold, :llm_provider, :llm_model, :input_tokens, :output_tokens,
			:total_tokens, :estimated_cost, :user_rating, :feedback, :session_id, :conversation_turn, :query_metadata,
			:created_at, :updated_at)
	`

	if _, err := c.db.NamedExecContext(ctx, query, utcQuery(q)); err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}

	logger.Debug("Query inserted", zap.String("query_id", q.ID), zap.String("status", string(q.Status)))
	return nil
}

func (c *Client) UpdateQuery(ctx context.Context, q *models.Query) error {
	query := `
		UPDATE queries SET
			status = :status,
			processing_time_ms = :processing_time_ms,
			retrieved_chunks_count = :retrieved_chunks_count,
			retrieved_documents = :retrieved_documents,
			similarity_threshold = :similarity_threshold,
			llm_provider = :llm_provider,
			llm_model = :llm_model,
			input_tokens = :input_tokens,
			output_tokens = :output_tokens,
			total_tokens = :total_tokens,
			estimated_cost = :estimated_cost,
			query_metadata = :query_metadata,
			updated_at = :updated_at
		WHERE id = :id AND user_id = :user_id
	`

	res, err := c.db.NamedExecContext(ctx, query, utcQuery(q))
	if err != nil {
		return fmt.Errorf("failed to update query: %w", err)
	}
	return expectRow(res)
}

func (c *Client) GetQuery(ctx context.Context, userID, id string) (*models.QueryWithResponse, error) {
	var q models.Query
	err := c.db.GetContext(ctx, &q, `SELECT `+queryColumns+` FROM queries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query: %w", err)
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

// CreateResponse inserts r unless a response already exists for its query.
func (c *Client) CreateResponse(ctx context.Context, r *models.QueryResponse) (bool, error) {
	query := `
		INSERT INTO query_responses (` + responseColumns + `)
		VALUES (:id, :query_id, :response_text, :response_format, :context_used, :context_chunks, :confidence_score,
			:source_attribution, :contains_citations, :fact_checked, :is_cached, :cache_hit, :generated_at,
			:created_at, :updated_at)
		ON CONFLICT(query_id) DO NOTHING
	`

	row := *r
	row.GeneratedAt = row.GeneratedAt.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()

	res, err := c.db.NamedExecContext(ctx, query, &row)
	if err != nil {
		return false, fmt.Errorf("failed to insert query response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (c *Client) GetResponse(ctx context.Context, queryID string) (*models.QueryResponse, error) {
	var r models.QueryResponse
	err := c.db.GetContext(ctx, &r, `SELECT `+responseColumns+` FROM query_responses WHERE query_id = ?`, queryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query response: %w", err)
	}
	return &r, nil
}

func (c *Client) ListQueries(ctx context.Context, userID, sessionID string, skip, limit int) ([]models.QueryWithResponse, int, error) {
	where := `WHERE user_id = ?`
	args := []any{userID}
	if sessionID != "" {
		where += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	var total int
	if err := c.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM queries `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count queries: %w", err)
	}

	var rows []models.Query
	listSQL := `SELECT ` + queryColumns + ` FROM queries ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if err := c.db.SelectContext(ctx, &rows, listSQL, append(args, limit, skip)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list queries: %w", err)
	}
	if len(rows) == 0 {
		return []models.QueryWithResponse{}, total, nil
	}

	ids := make([]string, len(rows))
	for i, q := range rows {
		ids[i] = q.ID
	}

	inSQL, inArgs, err := sqlx.In(`SELECT `+responseColumns+` FROM query_responses WHERE query_id IN (?)`, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build response lookup: %w", err)
	}
	var responses []models.QueryResponse
	if err := c.db.SelectContext(ctx, &responses, c.db.Rebind(inSQL), inArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list query responses: %w", err)
	}

	byQuery := make(map[string]*models.QueryResponse, len(responses))
	for i := range responses {
		byQuery[responses[i].QueryID] = &responses[i]
	}

	out := make([]models.QueryWithResponse, len(rows))
	for i, q := range rows {
		out[i] = models.QueryWithResponse{Query: q, Response: byQuery[q.ID]}
	}
	return out, total, nil
}

func (c *Client) SetFeedback(ctx context.Context, userID, queryID string, rating int, feedback *string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE queries SET user_rating = ?, feedback = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		rating, feedback, time.Now().UTC(), queryID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}

	logger.Info("Feedback stored", zap.String("query_id", queryID), zap.Int("rating", rating))
	return nil
}

func (c *Client) Aggregate(ctx context.Context, userID string, since, dayStart time.Time) (*models.QueryAggregates, error) {
	var row struct {
		Total     int      `db:"total"`
		Today     int      `db:"today"`
		AvgTimeMS *float64 `db:"avg_time_ms"`
		AvgTokens *float64 `db:"avg_tokens"`
		TotalCost float64  `db:"total_cost"`
		AvgRating *float64 `db:"avg_rating"`
	}

	query := `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0) AS today,
			AVG(processing_time_ms) AS avg_time_ms,
			AVG(CASE WHEN total_tokens > 0 THEN total_tokens END) AS avg_tokens,
			COALESCE(SUM(estimated_cost), 0) AS total_cost,
			AVG(user_rating) AS avg_rating
		FROM queries
		WHERE user_id = ? AND created_at >= ?
	`
	if err := c.db.GetContext(ctx, &row, query, dayStart.UTC(), userID, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate queries: %w", err)
	}

	var byType []struct {
		QueryType string `db:"query_type"`
		Count     int    `db:"count"`
	}
	typeSQL := `SELECT query_type, COUNT(*) AS count FROM queries WHERE user_id = ? AND created_at >= ? GROUP BY query_type`
	if err := c.db.SelectContext(ctx, &byType, typeSQL, userID, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to count queries by type: %w", err)
	}

	agg := &models.QueryAggregates{
		TotalQueries:        row.Total,
		QueriesToday:        row.Today,
		AvgProcessingTimeMS: row.AvgTimeMS,
		AvgTokensPerQuery:   row.AvgTokens,
		TotalCost:           row.TotalCost,
		AvgRating:           row.AvgRating,
		QueriesByType:       make(map[string]int, len(byType)),
	}
	for _, t := range byType {
		agg.QueriesByType[t.QueryType] = t.Count
	}
	return agg, nil
}

func (c *Client) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	var p models.UserPreferences
	err := c.db.GetContext(ctx, &p, `SELECT user_id, llm_provider, llm_model, updated_at FROM user_preferences WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	return &p, nil
}

func (c *Client) UpsertUserPreferences(ctx context.Context, p *models.UserPreferences) error {
	query := `
		INSERT INTO user_preferences (user_id, llm_provider, llm_model, updated_at)
		VALUES (:user_id, :llm_provider, :llm_model, :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET
			llm_provider = excluded.llm_provider,
			llm_model = excluded.llm_model,
			updated_at = excluded.updated_at
	`
	row := *p
	row.UpdatedAt = row.UpdatedAt.UTC()
	if _, err := c.db.NamedExecContext(ctx, query, &row); err != nil {
		return fmt.Errorf("failed to upsert user preferences: %w", err)
	}
	return nil
}

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, user_id, filename, content_type, size_bytes, status, chunk_count, error_message, created_at, updated_at)
		VALUES (:id, :user_id, :filename, :content_type, :size_bytes, :status, :chunk_count, :error_message, :created_at, :updated_at)
	`
	row := *doc
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	if _, err := c.db.NamedExecContext(ctx, query, &row); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("doc_id", doc.ID), zap.String("filename", doc.Filename))
	return nil
}

func (c *Client) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, chunkCount int, errMsg *string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, chunkCount, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return expectRow(res)
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO document_chunks (id, document_id, chunk_index, text, start_char, end_char, page_number, created_at)
		VALUES (:id, :document_id, :chunk_index, :text, :start_char, :end_char, :page_number, :created_at)
	`
	for i := range chunks {
		row := chunks[i]
		row.CreatedAt = row.CreatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, query, &row); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, userID, id string) (*models.Document, error) {
	var doc models.Document
	query := `SELECT id, user_id, filename, content_type, size_bytes, status, chunk_count, error_message, created_at, updated_at
		FROM documents WHERE id = ? AND user_id = ?`
	if err := c.db.GetContext(ctx, &doc, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

func (c *Client) DeleteDocument(ctx context.Context, userID, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func utcQuery(q *models.Query) *models.Query {
	row := *q
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row
}
