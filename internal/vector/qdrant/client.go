package qdrant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/pkg/logger"
)

type Client struct {
	client     *qdrant.Client
	collection string
	vectorDim  uint64
}

func NewClient(host string, port int, apiKey string, useTLS bool, collection string, vectorDim int) (*Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger.Info("Qdrant client initialized",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("collection", collection),
	)

	return &Client{client: client, collection: collection, vectorDim: uint64(vectorDim)}, nil
}

func (q *Client) Close() error {
	return q.client.Close()
}

func (q *Client) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		logger.Info("Collection already exists", zap.String("collection", q.collection))
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.vectorDim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{"user_id", "document_id"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}

	logger.Info("Collection created", zap.String("collection", q.collection))
	return nil
}

func (q *Client) Add(ctx context.Context, userID string, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		payload, err := buildPayload(userID, d)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(d.ID),
			Vectors: qdrant.NewVectors(d.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	logger.Info("Chunks upserted into vector DB", zap.String("user_id", userID), zap.Int("count", len(points)))
	return nil
}

func (q *Client) Search(ctx context.Context, userID string, embedding []float32, limit int, scoreThreshold float64, filter vector.Filter) ([]vector.SearchResult, error) {
	lim := uint64(limit)
	threshold := float32(scoreThreshold)

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         tenantFilter(userID, filter.DocumentIDs),
		Limit:          &lim,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, decodePoint(p.GetId().GetUuid(), float64(p.GetScore()), p.GetPayload()))
	}
	vector.SortByScore(results)

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.Float64("threshold", scoreThreshold),
	)

	return results, nil
}

func (q *Client) Delete(ctx context.Context, userID, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(tenantFilter(userID, []string{documentID})),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func tenantFilter(userID string, documentIDs []string) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatchKeyword("user_id", userID)}
	if len(documentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_id", documentIDs...))
	}
	return &qdrant.Filter{Must: must}
}

func buildPayload(userID string, d vector.Document) (map[string]any, error) {
	payload := map[string]any{
		"user_id":     userID,
		"document_id": d.DocumentID,
		"chunk_id":    d.ID,
		"text":        d.Text,
		"source":      d.Source,
		"chunk_index": int64(d.ChunkIndex),
	}
	if d.PageNumber != nil {
		payload["page_number"] = int64(*d.PageNumber)
	}
	if len(d.Metadata) > 0 {
		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		payload["metadata"] = string(raw)
	}
	return payload, nil
}

func decodePoint(id string, score float64, payload map[string]*qdrant.Value) vector.SearchResult {
	r := vector.SearchResult{
		ID:         id,
		Score:      score,
		DocumentID: payload["document_id"].GetStringValue(),
		Text:       payload["text"].GetStringValue(),
		Source:     payload["source"].GetStringValue(),
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
	}
	if chunkID := payload["chunk_id"].GetStringValue(); chunkID != "" {
		r.ID = chunkID
	}
	if v, ok := payload["page_number"]; ok && v != nil {
		p := int(v.GetIntegerValue())
		r.PageNumber = &p
	}
	if raw := payload["metadata"].GetStringValue(); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			r.Metadata = meta
		}
	}
	return r
}
