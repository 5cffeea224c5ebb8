package qdrant

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/vector"
)

func TestPayloadRoundTrip(t *testing.T) {
	page := 4
	payload, err := buildPayload("u1", vector.Document{
		ID:         "2f1c6b4e-7d0e-4b7a-9b1e-1f6f0a5b9c11",
		DocumentID: "d1",
		Text:       "refunds within 30 days",
		Source:     "policy.pdf",
		PageNumber: &page,
		ChunkIndex: 2,
		Metadata:   map[string]any{"filename": "policy.pdf", "content_type": "application/pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", payload["user_id"])

	r := decodePoint("ignored", 0.77, qdrant.NewValueMap(payload))
	assert.Equal(t, "2f1c6b4e-7d0e-4b7a-9b1e-1f6f0a5b9c11", r.ID)
	assert.Equal(t, "d1", r.DocumentID)
	assert.Equal(t, "refunds within 30 days", r.Text)
	assert.Equal(t, "policy.pdf", r.Source)
	assert.Equal(t, 2, r.ChunkIndex)
	require.NotNil(t, r.PageNumber)
	assert.Equal(t, 4, *r.PageNumber)
	assert.Equal(t, "application/pdf", r.Metadata["content_type"])
	assert.InDelta(t, 0.77, r.Score, 1e-9)
}

func TestDecodePointWithoutOptionalFields(t *testing.T) {
	r := decodePoint("p1", 0.5, qdrant.NewValueMap(map[string]any{"text": "x", "document_id": "d"}))
	assert.Equal(t, "p1", r.ID)
	assert.Nil(t, r.PageNumber)
	assert.Nil(t, r.Metadata)
}

func TestTenantFilter(t *testing.T) {
	f := tenantFilter("u1", nil)
	assert.Len(t, f.GetMust(), 1)

	f = tenantFilter("u1", []string{"d1", "d2"})
	assert.Len(t, f.GetMust(), 2)
}
