package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/query"
)

func ptr[T any](v T) *T { return &v }

func TestRAGRequest(t *testing.T) {
	v := New(Config{MaxQueryLength: 10})

	tests := []struct {
		name    string
		req     query.RAGRequest
		wantErr string
	}{
		{name: "minimal", req: query.RAGRequest{Query: "refunds"}},
		{name: "all tunables", req: query.RAGRequest{Query: "refunds", MaxChunks: 20, ScoreThreshold: ptr(0.0), Temperature: ptr(2.0), MaxTokens: ptr(8192)}},
		{name: "blank", req: query.RAGRequest{Query: " \x00 "}, wantErr: "query is required"},
		{name: "too long", req: query.RAGRequest{Query: strings.Repeat("a", 11)}, wantErr: "maximum length"},
		{name: "max chunks", req: query.RAGRequest{Query: "q", MaxChunks: 21}, wantErr: "max_chunks"},
		{name: "threshold", req: query.RAGRequest{Query: "q", ScoreThreshold: ptr(1.5)}, wantErr: "score_threshold"},
		{name: "temperature", req: query.RAGRequest{Query: "q", Temperature: ptr(-0.1)}, wantErr: "temperature"},
		{name: "max tokens", req: query.RAGRequest{Query: "q", MaxTokens: ptr(0)}, wantErr: "max_tokens"},
		{name: "model name", req: query.RAGRequest{Query: "q", LLMModel: strings.Repeat("m", 101)}, wantErr: "llm_model"},
		{name: "empty document id", req: query.RAGRequest{Query: "q", DocumentIDs: []string{"d1", " "}}, wantErr: "document_ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.RAGRequest(&tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, Message(err), tt.wantErr)
			assert.NotContains(t, Message(err), ErrInvalid.Error())
		})
	}
}

func TestRAGRequestSanitizes(t *testing.T) {
	req := query.RAGRequest{Query: "  what\x00 is it?  "}
	require.NoError(t, New(Config{}).RAGRequest(&req))
	assert.Equal(t, "what is it?", req.Query)
}

func TestRating(t *testing.T) {
	v := New(Config{})
	assert.NoError(t, v.Rating(1))
	assert.NoError(t, v.Rating(5))
	assert.ErrorIs(t, v.Rating(0), ErrInvalid)
	assert.ErrorIs(t, v.Rating(6), ErrInvalid)
}

func TestContentTypeMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{}))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	send := func(contentType string) int {
		req := httptest.NewRequest("POST", "/", strings.NewReader("{}"))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, send("application/json; charset=utf-8"))
	assert.Equal(t, fiber.StatusNoContent, send("multipart/form-data; boundary=x"))
	assert.Equal(t, fiber.StatusUnsupportedMediaType, send("text/xml"))
}
