package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type QueryStatus string

const (
	StatusPending    QueryStatus = "pending"
	StatusProcessing QueryStatus = "processing"
	StatusCompleted  QueryStatus = "completed"
	StatusFailed     QueryStatus = "failed"
)

const (
	QueryTypeRAG       = "rag"
	QueryTypeStreaming = "rag_stream"
)

type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Query is one RAG interaction owned by a user.
type Query struct {
	ID                   string      `json:"id" db:"id"`
	UserID               string      `json:"user_id" db:"user_id"`
	QueryText            string      `json:"query_text" db:"query_text"`
	QueryType            string      `json:"query_type" db:"query_type"`
	Status               QueryStatus `json:"status" db:"status"`
	ProcessingTimeMS     *int64      `json:"processing_time_ms" db:"processing_time_ms"`
	RetrievedChunksCount int         `json:"retrieved_chunks_count" db:"retrieved_chunks_count"`
	RetrievedDocuments   StringList  `json:"retrieved_documents" db:"retrieved_documents"`
	SimilarityThreshold  float64     `json:"similarity_threshold" db:"similarity_threshold"`
	LLMProvider          string      `json:"llm_provider" db:"llm_provider"`
	LLMModel             string      `json:"llm_model" db:"llm_model"`
	InputTokens          int         `json:"input_tokens" db:"input_tokens"`
	OutputTokens         int         `json:"output_tokens" db:"output_tokens"`
	TotalTokens          int         `json:"total_tokens" db:"total_tokens"`
	EstimatedCost        float64     `json:"estimated_cost" db:"estimated_cost"`
	UserRating           *int        `json:"user_rating,omitempty" db:"user_rating"`
	Feedback             *string     `json:"feedback,omitempty" db:"feedback"`
	SessionID            *string     `json:"session_id,omitempty" db:"session_id"`
	ConversationTurn     int         `json:"conversation_turn" db:"conversation_turn"`
	Metadata             JSONMap     `json:"query_metadata" db:"query_metadata"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}

// QueryResponse is the generated answer for a Query. At most one exists per query.
type QueryResponse struct {
	ID                string     `json:"id" db:"id"`
	QueryID           string     `json:"query_id" db:"query_id"`
	ResponseText      string     `json:"response_text" db:"response_text"`
	ResponseFormat    string     `json:"response_format" db:"response_format"`
	ContextUsed       string     `json:"context_used" db:"context_used"`
	ContextChunks     StringList `json:"context_chunks" db:"context_chunks"`
	ConfidenceScore   *float64   `json:"confidence_score,omitempty" db:"confidence_score"`
	SourceAttribution StringList `json:"source_attribution" db:"source_attribution"`
	ContainsCitations bool       `json:"contains_citations" db:"contains_citations"`
	FactChecked       bool       `json:"fact_checked" db:"fact_checked"`
	IsCached          bool       `json:"is_cached" db:"is_cached"`
	CacheHit          bool       `json:"cache_hit" db:"cache_hit"`
	GeneratedAt       time.Time  `json:"generated_at" db:"generated_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

type QueryWithResponse struct {
	Query
	Response *QueryResponse `json:"response,omitempty"`
}

type UserPreferences struct {
	UserID      string    `json:"user_id" db:"user_id"`
	LLMProvider *string   `json:"llm_provider,omitempty" db:"llm_provider"`
	LLMModel    *string   `json:"llm_model,omitempty" db:"llm_model"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type Document struct {
	ID           string         `json:"id" db:"id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Filename     string         `json:"filename" db:"filename"`
	ContentType  string         `json:"content_type" db:"content_type"`
	SizeBytes    int64          `json:"size_bytes" db:"size_bytes"`
	Status       DocumentStatus `json:"status" db:"status"`
	ChunkCount   int            `json:"chunk_count" db:"chunk_count"`
	ErrorMessage *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

type DocumentChunk struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	ChunkIndex int       `json:"chunk_index" db:"chunk_index"`
	Text       string    `json:"text" db:"text"`
	StartChar  int       `json:"start_char" db:"start_char"`
	EndChar    int       `json:"end_char" db:"end_char"`
	PageNumber *int      `json:"page_number,omitempty" db:"page_number"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// QueryAggregates is what the store computes for the analytics summary.
type QueryAggregates struct {
	TotalQueries        int            `json:"total_queries"`
	QueriesToday        int            `json:"queries_today"`
	AvgProcessingTimeMS *float64       `json:"avg_processing_time_ms"`
	AvgTokensPerQuery   *float64       `json:"avg_tokens_per_query"`
	TotalCost           float64        `json:"total_cost"`
	AvgRating           *float64       `json:"avg_rating"`
	QueriesByType       map[string]int `json:"queries_by_type"`
}

// StringList is stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*l = StringList{}
		return err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode string list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*l = out
	return nil
}

// JSONMap is stored as a JSON object.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*m = JSONMap{}
		return err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode json map: %w", err)
	}
	*m = out
	return nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
