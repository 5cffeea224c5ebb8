package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/llm"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/internal/vector"
)

const capitalQuery = "What is the capital of France?"

func TestAnswerStopsAtFirstThresholdWithResults(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, vector.Filter{}).
		Return(results("c1", "c2"), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.MatchedBy(func(r llm.GenerateRequest) bool {
		return r.Model == "gpt-4o-mini" && len(r.Passages) == 2 && r.Passages[0].Label == "file-c1.pdf"
	})).Return(answer("Paris [Source 1]"), nil).Once()

	res, err := f.engine.Answer(context.Background(), RAGRequest{
		Query: capitalQuery, UserID: "u1", MaxChunks: 5, ScoreThreshold: ptr(0.3),
	})
	require.NoError(t, err)

	f.index.AssertNumberOfCalls(t, "Search", 1)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
	assert.Equal(t, 0.3, res.SimilarityThreshold)
	assert.Len(t, res.ContextDocuments, 2)
	assert.Equal(t, "passage c1\n\npassage c2", res.ContextUsed)
	assert.Equal(t, "Paris [Source 1]", res.Response)
	assert.Equal(t, "openai", res.LLMProvider)
	assert.Equal(t, 120, res.TotalTokens)
	assert.False(t, res.SearchCacheHit)
	assert.False(t, res.LLMCacheHit)

	q := f.store.onlyQuery(t)
	assert.Equal(t, res.QueryID, q.ID)
	assert.Equal(t, models.StatusCompleted, q.Status)
	assert.Equal(t, 2, q.RetrievedChunksCount)
	assert.Equal(t, 0.3, q.SimilarityThreshold)
	assert.Equal(t, models.QueryTypeRAG, q.QueryType)
	assert.InDelta(t, llm.EstimateCost("gpt-4o-mini", 100, 20), q.EstimatedCost, 1e-12)

	resp, ok := f.store.responseFor(q.ID)
	require.True(t, ok)
	assert.Equal(t, models.StringList{"c1", "c2"}, resp.ContextChunks)
	assert.True(t, resp.ContainsCitations)
	require.NotNil(t, resp.ConfidenceScore)
	assert.InDelta(t, 0.775, *resp.ConfidenceScore, 1e-9)
	assert.InDelta(t, 0.775, res.ConfidenceScore, 1e-9)
}

func TestAnswerRelaxesThresholdUntilResults(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.9, mock.Anything).Return([]vector.SearchResult{}, nil).Once()
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.1, mock.Anything).Return(nil, nil).Once()
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.0, mock.Anything).Return(results("a", "b", "c"), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("Paris"), nil).Once()

	res, err := f.engine.Answer(context.Background(), RAGRequest{
		Query: capitalQuery, UserID: "u1", MaxChunks: 5, ScoreThreshold: ptr(0.9),
	})
	require.NoError(t, err)

	f.index.AssertNumberOfCalls(t, "Search", 3)
	assert.Equal(t, 0.0, res.SimilarityThreshold)
	assert.Len(t, res.ContextDocuments, 3)

	hash := QueryHash(capitalQuery)
	for _, thr := range []float64{0.9, 0.1, 0.0} {
		var cached []vector.SearchResult
		assert.True(t, f.cache.GetJSON(context.Background(), SearchCacheKey("u1", hash, 5, thr, "none"), &cached),
			"threshold %v should be cached", thr)
	}

	q := f.store.onlyQuery(t)
	assert.Equal(t, 0.0, q.SimilarityThreshold)
	assert.Equal(t, 0.9, q.Metadata["requested_threshold"])
	assert.Equal(t, 3, q.Metadata["threshold_attempts"])
}

func TestAnswerCompletesWithEmptyContext(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, mock.Anything, mock.Anything).Return([]vector.SearchResult{}, nil)
	f.gen.On("Generate", mock.Anything, mock.MatchedBy(func(r llm.GenerateRequest) bool {
		return len(r.Passages) == 0
	})).Return(answer("I don't know"), nil).Once()

	res, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	require.NoError(t, err)

	f.index.AssertNumberOfCalls(t, "Search", 3)
	assert.Equal(t, 0.0, res.SimilarityThreshold)
	assert.Empty(t, res.ContextDocuments)
	assert.Empty(t, res.Sources)
	assert.Equal(t, models.StatusCompleted, f.store.onlyQuery(t).Status)
}

func TestAnswerZeroThresholdTriesOnce(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.0, mock.Anything).Return([]vector.SearchResult{}, nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("none"), nil).Once()

	res, err := f.engine.Answer(context.Background(), RAGRequest{Query: "q", UserID: "u1", ScoreThreshold: ptr(0.0)})
	require.NoError(t, err)
	f.index.AssertNumberOfCalls(t, "Search", 1)
	assert.Equal(t, 0.0, res.SimilarityThreshold)
}

func TestRepeatedRequestIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("Paris"), nil).Once()

	req := RAGRequest{Query: capitalQuery, UserID: "u1", ScoreThreshold: ptr(0.3), DocumentIDs: []string{"d2", "d1"}}
	first, err := f.engine.Answer(context.Background(), req)
	require.NoError(t, err)

	req.Query = "  " + capitalQuery + "\n"
	req.DocumentIDs = []string{"d1", "d2"}
	second, err := f.engine.Answer(context.Background(), req)
	require.NoError(t, err)

	f.index.AssertNumberOfCalls(t, "Search", 1)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
	assert.True(t, second.SearchCacheHit)
	assert.True(t, second.LLMCacheHit)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.TotalTokens, second.TotalTokens)
	assert.NotEqual(t, first.QueryID, second.QueryID)
}

func TestDifferentGenerationParametersMissAnswerCache(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("Paris"), nil).Twice()

	_, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	require.NoError(t, err)
	second, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1", Temperature: ptr(0.1)})
	require.NoError(t, err)

	f.index.AssertNumberOfCalls(t, "Search", 1)
	f.gen.AssertNumberOfCalls(t, "Generate", 2)
	assert.True(t, second.SearchCacheHit)
	assert.False(t, second.LLMCacheHit)
}

func TestAnswerEmbeddingFailureRecordsFailedQuery(t *testing.T) {
	f := newFixture(t)
	f.engine.embedder = failingEmbedder{err: errors.New("connection refused")}

	_, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	require.Error(t, err)

	var ragErr *RAGError
	require.ErrorAs(t, err, &ragErr)
	assert.Equal(t, "rag query failed", err.Error())
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.NotContains(t, err.Error(), "connection refused")

	q := f.store.onlyQuery(t)
	assert.Equal(t, models.StatusFailed, q.Status)
	assert.Contains(t, q.Metadata["error"], "connection refused")
	assert.Equal(t, capitalQuery, q.Metadata["request"].(map[string]any)["query"])
	f.index.AssertNumberOfCalls(t, "Search", 0)
}

func TestAnswerSearchFailure(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(nil, errors.New("index down"))

	_, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	assert.ErrorIs(t, err, ErrVectorSearch)
	assert.Equal(t, models.StatusFailed, f.store.onlyQuery(t).Status)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestAnswerGenerationFailureWritesNoResponse(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil)
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("rate limit exceeded"))

	_, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	assert.ErrorIs(t, err, ErrGeneration)

	q := f.store.onlyQuery(t)
	assert.Equal(t, models.StatusFailed, q.Status)
	_, ok := f.store.responseFor(q.ID)
	assert.False(t, ok)
}

func TestAnswerUnknownProvider(t *testing.T) {
	f := newFixture(t)
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil)

	_, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1", LLMProvider: "anthropic"})
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestAnswerSurvivesPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.store.createQueryErr = errors.New("disk full")
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil)
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("Paris"), nil)

	res, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Response)
	assert.Empty(t, res.QueryID)
}

func TestAnswerUsesUserPreferences(t *testing.T) {
	f := newFixture(t)
	f.store.prefs["u1"] = models.UserPreferences{UserID: "u1", LLMProvider: ptr("mock"), LLMModel: ptr("mock-1")}
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(results("c1"), nil)

	res, err := f.engine.Answer(context.Background(), RAGRequest{Query: capitalQuery, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "mock", res.LLMProvider)
	assert.Equal(t, "mock-1", res.LLMModel)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestAnswerDeduplicatesSources(t *testing.T) {
	f := newFixture(t)
	found := []vector.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "a", Source: "guide.pdf"},
		{ID: "", DocumentID: "d1", Text: "b", Metadata: map[string]any{"filename": "guide.pdf"}},
		{ID: "c3", DocumentID: "d2", Text: "c"},
	}
	f.index.On("Search", mock.Anything, "u1", mock.Anything, 5, 0.3, mock.Anything).Return(found, nil)
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(answer("ok"), nil)

	res, err := f.engine.Answer(context.Background(), RAGRequest{Query: "q", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"guide.pdf", "Unknown"}, res.Sources)
	assert.Equal(t, "guide.pdf", res.ContextDocuments[1].Source)
	assert.NotEmpty(t, res.ContextDocuments[1].ID)
	assert.Equal(t, models.StringList{"d1", "d2"}, f.store.onlyQuery(t).RetrievedDocuments)
}

func TestResolveModel(t *testing.T) {
	prefs := &models.UserPreferences{LLMProvider: ptr("groq"), LLMModel: ptr("llama-3.1-8b-instant")}

	tests := []struct {
		name              string
		provider, model   string
		prefs             *models.UserPreferences
		wantProv, wantMod string
	}{
		{"request wins", "ollama", "llama3", prefs, "ollama", "llama3"},
		{"preferences", "", "", prefs, "groq", "llama-3.1-8b-instant"},
		{"fallback", "", "", nil, "openai", "gpt-4o-mini"},
		{"mixed", "openai", "", prefs, "openai", "llama-3.1-8b-instant"},
		{"empty preferences", "", "", &models.UserPreferences{}, "openai", "gpt-4o-mini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := ResolveModel(tt.provider, tt.model, tt.prefs, "openai", "gpt-4o-mini")
			assert.Equal(t, tt.wantProv, p)
			assert.Equal(t, tt.wantMod, m)
		})
	}
}
