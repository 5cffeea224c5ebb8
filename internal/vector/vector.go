package vector

import (
	"context"
	"sort"
)

// SearchResult is one retrieved chunk. It is cached as JSON by the search cache.
type SearchResult struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Source     string         `json:"source,omitempty"`
	PageNumber *int           `json:"page_number,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Document is a chunk ready to be written to an index.
type Document struct {
	ID         string
	DocumentID string
	Text       string
	Source     string
	PageNumber *int
	ChunkIndex int
	Embedding  []float32
	Metadata   map[string]any
}

type Filter struct {
	DocumentIDs []string
}

// Index is a tenant-scoped similarity search backend. Every call is restricted to userID.
type Index interface {
	Search(ctx context.Context, userID string, embedding []float32, limit int, scoreThreshold float64, filter Filter) ([]SearchResult, error)
	Add(ctx context.Context, userID string, docs []Document) error
	Delete(ctx context.Context, userID, documentID string) error
}

func SortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
