package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/pkg/logger"
)

const noPage = int64(-1)

var outputFields = []string{"chunk_id", "document_id", "text", "source", "page_number", "chunk_index", "metadata"}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
	}
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	pk := varchar("chunk_id", 64)
	pk.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Per-user document chunk embeddings",
		Fields: []*entity.Field{
			pk,
			varchar("user_id", 128),
			varchar("document_id", 64),
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.vectorDim)},
			},
			varchar("text", 8192),
			varchar("source", 512),
			{Name: "page_number", DataType: entity.FieldTypeInt64},
			{Name: "chunk_index", DataType: entity.FieldTypeInt64},
			varchar("metadata", 4096),
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Add(ctx context.Context, userID string, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	n := len(docs)
	chunkIDs := make([]string, n)
	userIDs := make([]string, n)
	documentIDs := make([]string, n)
	embeddings := make([][]float32, n)
	texts := make([]string, n)
	sources := make([]string, n)
	pages := make([]int64, n)
	indexes := make([]int64, n)
	metadata := make([]string, n)

	for i, d := range docs {
		chunkIDs[i] = d.ID
		userIDs[i] = userID
		documentIDs[i] = d.DocumentID
		embeddings[i] = d.Embedding
		texts[i] = d.Text
		sources[i] = d.Source
		pages[i] = noPage
		if d.PageNumber != nil {
			pages[i] = int64(*d.PageNumber)
		}
		indexes[i] = int64(d.ChunkIndex)

		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		metadata[i] = string(raw)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("user_id", userIDs),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("source", sources),
		entity.NewColumnInt64("page_number", pages),
		entity.NewColumnInt64("chunk_index", indexes),
		entity.NewColumnVarChar("metadata", metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.String("user_id", userID), zap.Int("count", n))
	return nil
}

func (m *Client) Search(ctx context.Context, userID string, embedding []float32, limit int, scoreThreshold float64, filter vector.Filter) ([]vector.SearchResult, error) {
	expr := filterExpr(userID, filter)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.SearchResult, 0)
	for _, sr := range searchResult {
		results = append(results, decodeResults(sr, scoreThreshold)...)
	}
	vector.SortByScore(results)

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.Float64("threshold", scoreThreshold),
	)

	return results, nil
}

func (m *Client) Delete(ctx context.Context, userID, documentID string) error {
	expr := fmt.Sprintf("user_id == %s && document_id == %s", quote(userID), quote(documentID))
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func filterExpr(userID string, filter vector.Filter) string {
	expr := "user_id == " + quote(userID)
	if len(filter.DocumentIDs) > 0 {
		quoted := make([]string, len(filter.DocumentIDs))
		for i, id := range filter.DocumentIDs {
			quoted[i] = quote(id)
		}
		expr += " && document_id in [" + strings.Join(quoted, ", ") + "]"
	}
	return expr
}

var exprEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string {
	return `"` + exprEscaper.Replace(s) + `"`
}

// decodeResults maps one result set to SearchResults, dropping hits below threshold.
// With the COSINE metric a larger score is more similar.
func decodeResults(sr client.SearchResult, threshold float64) []vector.SearchResult {
	out := make([]vector.SearchResult, 0, sr.ResultCount)
	for i := 0; i < sr.ResultCount; i++ {
		score := float64(sr.Scores[i])
		if score < threshold {
			continue
		}

		r := vector.SearchResult{
			ID:         stringAt(sr, "chunk_id", i),
			DocumentID: stringAt(sr, "document_id", i),
			Text:       stringAt(sr, "text", i),
			Source:     stringAt(sr, "source", i),
			ChunkIndex: int(int64At(sr, "chunk_index", i)),
			Score:      score,
		}
		if page := int64At(sr, "page_number", i); page != noPage {
			p := int(page)
			r.PageNumber = &p
		}
		if raw := stringAt(sr, "metadata", i); raw != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				r.Metadata = meta
			}
		}
		out = append(out, r)
	}
	return out
}

func stringAt(sr client.SearchResult, field string, i int) string {
	col := sr.Fields.GetColumn(field)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64At(sr client.SearchResult, field string, i int) int64 {
	col := sr.Fields.GetColumn(field)
	if col == nil {
		return noPage
	}
	v, err := col.Get(i)
	if err != nil {
		return noPage
	}
	n, ok := v.(int64)
	if !ok {
		return noPage
	}
	return n
}
