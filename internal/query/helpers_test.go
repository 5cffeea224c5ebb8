package query

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ragquery/backend/internal/cache/memory"
	"github.com/ragquery/backend/internal/embedding"
	"github.com/ragquery/backend/internal/llm"
	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/internal/vector"
)

var fixedNow = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) Search(ctx context.Context, userID string, emb []float32, limit int, threshold float64, filter vector.Filter) ([]vector.SearchResult, error) {
	args := m.Called(ctx, userID, emb, limit, threshold, filter)
	res, _ := args.Get(0).([]vector.SearchResult)
	return res, args.Error(1)
}

func (m *mockIndex) Add(ctx context.Context, userID string, docs []vector.Document) error {
	return m.Called(ctx, userID, docs).Error(0)
}

func (m *mockIndex) Delete(ctx context.Context, userID, documentID string) error {
	return m.Called(ctx, userID, documentID).Error(0)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GeneratedAnswer, error) {
	args := m.Called(ctx, req)
	ans, _ := args.Get(0).(*llm.GeneratedAnswer)
	return ans, args.Error(1)
}

func (m *mockGenerator) GenerateStream(ctx context.Context, req llm.GenerateRequest) (llm.Stream, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(llm.Stream)
	return s, args.Error(1)
}

type failingEmbedder struct {
	err error
}

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}
func (f failingEmbedder) Model() string { return "failing" }

// fragmentStream yields fragments, then err (io.EOF when nil).
type fragmentStream struct {
	fragments []string
	err       error
	pos       int
	closed    bool
}

func (s *fragmentStream) Recv() (string, error) {
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fragmentStream) Close() error {
	s.closed = true
	return nil
}

// fakeStore mirrors the sqlite store's semantics in memory. Writes fail when their context is done.
type fakeStore struct {
	mu        sync.Mutex
	queries   map[string]models.Query
	responses map[string]models.QueryResponse
	prefs     map[string]models.UserPreferences

	createQueryErr error
	updateQueryErr error
	updates        int

	aggSince, aggDayStart time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queries:   map[string]models.Query{},
		responses: map[string]models.QueryResponse{},
		prefs:     map[string]models.UserPreferences{},
	}
}

func (s *fakeStore) CreateQuery(ctx context.Context, q *models.Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createQueryErr != nil {
		return s.createQueryErr
	}
	s.queries[q.ID] = *q
	return nil
}

func (s *fakeStore) UpdateQuery(ctx context.Context, q *models.Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateQueryErr != nil {
		return s.updateQueryErr
	}
	if existing, ok := s.queries[q.ID]; !ok || existing.UserID != q.UserID {
		return storage.ErrNotFound
	}
	s.updates++
	s.queries[q.ID] = *q
	return nil
}

func (s *fakeStore) GetQuery(_ context.Context, userID, id string) (*models.QueryWithResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	if !ok || q.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return s.withResponse(q), nil
}

func (s *fakeStore) withResponse(q models.Query) *models.QueryWithResponse {
	out := &models.QueryWithResponse{Query: q}
	if r, ok := s.responses[q.ID]; ok {
		out.Response = &r
	}
	return out
}

func (s *fakeStore) CreateResponse(ctx context.Context, r *models.QueryResponse) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[r.QueryID]; ok {
		return false, nil
	}
	s.responses[r.QueryID] = *r
	return true, nil
}

func (s *fakeStore) ListQueries(_ context.Context, userID, sessionID string, skip, limit int) ([]models.QueryWithResponse, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Query
	for _, q := range s.queries {
		if q.UserID != userID {
			continue
		}
		if sessionID != "" && (q.SessionID == nil || *q.SessionID != sessionID) {
			continue
		}
		all = append(all, q)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if skip > total {
		skip = total
	}
	end := min(skip+limit, total)
	out := make([]models.QueryWithResponse, 0, end-skip)
	for _, q := range all[skip:end] {
		out = append(out, *s.withResponse(q))
	}
	return out, total, nil
}

func (s *fakeStore) SetFeedback(_ context.Context, userID, queryID string, rating int, feedback *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[queryID]
	if !ok || q.UserID != userID {
		return storage.ErrNotFound
	}
	q.UserRating = &rating
	q.Feedback = feedback
	s.queries[queryID] = q
	return nil
}

func (s *fakeStore) Aggregate(_ context.Context, userID string, since, dayStart time.Time) (*models.QueryAggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggSince, s.aggDayStart = since, dayStart
	agg := &models.QueryAggregates{}
	for _, q := range s.queries {
		if q.UserID != userID || q.CreatedAt.Before(since) {
			continue
		}
		agg.TotalQueries++
		agg.TotalCost += q.EstimatedCost
	}
	return agg, nil
}

func (s *fakeStore) GetUserPreferences(_ context.Context, userID string) (*models.UserPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *fakeStore) UpsertUserPreferences(_ context.Context, p *models.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = *p
	return nil
}

func (s *fakeStore) onlyQuery(t *testing.T) models.Query {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) != 1 {
		t.Fatalf("expected exactly one query, got %d", len(s.queries))
	}
	for _, q := range s.queries {
		return q
	}
	return models.Query{}
}

func (s *fakeStore) responseFor(queryID string) (models.QueryResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[queryID]
	return r, ok
}

type fixture struct {
	store  *fakeStore
	index  *mockIndex
	gen    *mockGenerator
	cache  *memory.Cache
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		index: &mockIndex{},
		gen:   &mockGenerator{},
		cache: memory.New(),
	}
	registry := llm.NewRegistry()
	registry.Register("openai", f.gen)
	registry.Register("mock", llm.Mock{})

	f.engine = NewEngine(f.store, embedding.NewMock(8), f.index, f.cache, registry, Options{
		DefaultProvider:       "openai",
		DefaultModel:          "gpt-4o-mini",
		DefaultMaxChunks:      5,
		DefaultScoreThreshold: 0.3,
		DefaultTemperature:    0.7,
		DefaultMaxTokens:      1000,
	})
	f.engine.now = func() time.Time { return fixedNow }
	return f
}

func results(ids ...string) []vector.SearchResult {
	out := make([]vector.SearchResult, len(ids))
	for i, id := range ids {
		out[i] = vector.SearchResult{
			ID:         id,
			DocumentID: "doc-" + id,
			Score:      0.9 - float64(i)*0.1,
			Text:       "passage " + id,
			Source:     "file-" + id + ".pdf",
			ChunkIndex: i,
		}
	}
	return out
}

func answer(content string) *llm.GeneratedAnswer {
	return &llm.GeneratedAnswer{
		Content: content,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

func ptr[T any](v T) *T { return &v }
