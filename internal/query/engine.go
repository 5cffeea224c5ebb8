package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/cache"
	"github.com/ragquery/backend/internal/embedding"
	"github.com/ragquery/backend/internal/evaluation"
	"github.com/ragquery/backend/internal/llm"
	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/pkg/config"
	"github.com/ragquery/backend/pkg/logger"
)

// Store is the part of the durable query store the engine needs. Both storage backends implement it.
type Store interface {
	CreateQuery(ctx context.Context, q *models.Query) error
	UpdateQuery(ctx context.Context, q *models.Query) error
	GetQuery(ctx context.Context, userID, id string) (*models.QueryWithResponse, error)
	CreateResponse(ctx context.Context, r *models.QueryResponse) (bool, error)
	ListQueries(ctx context.Context, userID, sessionID string, skip, limit int) ([]models.QueryWithResponse, int, error)
	SetFeedback(ctx context.Context, userID, queryID string, rating int, feedback *string) error
	Aggregate(ctx context.Context, userID string, since, dayStart time.Time) (*models.QueryAggregates, error)
	GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
	UpsertUserPreferences(ctx context.Context, p *models.UserPreferences) error
}

// Generators resolves a provider name to a generator. *llm.Registry implements it.
type Generators interface {
	Get(name string) (llm.Generator, error)
}

type Options struct {
	DefaultProvider       string
	DefaultModel          string
	DefaultMaxChunks      int
	DefaultScoreThreshold float64
	DefaultTemperature    float64
	DefaultMaxTokens      int
	SystemPrompt          string
	SearchCacheTTL        time.Duration
	LLMCacheTTL           time.Duration
	FinalizeTimeout       time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultProvider:       cfg.LLM.DefaultProvider,
		DefaultModel:          cfg.LLM.DefaultModel,
		DefaultMaxChunks:      cfg.RAG.DefaultMaxChunks,
		DefaultScoreThreshold: cfg.RAG.DefaultScoreThreshold,
		DefaultTemperature:    cfg.RAG.DefaultTemperature,
		DefaultMaxTokens:      cfg.RAG.DefaultMaxTokens,
		SystemPrompt:          cfg.RAG.SystemPrompt,
		SearchCacheTTL:        time.Duration(cfg.RAG.SearchCacheTTLSec) * time.Second,
		LLMCacheTTL:           time.Duration(cfg.RAG.LLMCacheTTLSec) * time.Second,
		FinalizeTimeout:       time.Duration(cfg.RAG.FinalizeTimeoutSec) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultProvider == "" {
		o.DefaultProvider = "openai"
	}
	if o.DefaultModel == "" {
		o.DefaultModel = "gpt-4o-mini"
	}
	if o.DefaultMaxChunks <= 0 {
		o.DefaultMaxChunks = 5
	}
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = 1000
	}
	if o.SearchCacheTTL <= 0 {
		o.SearchCacheTTL = 120 * time.Second
	}
	if o.LLMCacheTTL <= 0 {
		o.LLMCacheTTL = 300 * time.Second
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 15 * time.Second
	}
	return o
}

type Engine struct {
	store      Store
	embedder   embedding.Embedder
	index      vector.Index
	cache      cache.Cache
	generators Generators
	opts       Options
	now        func() time.Time
}

func NewEngine(store Store, embedder embedding.Embedder, index vector.Index, c cache.Cache, generators Generators, opts Options) *Engine {
	if c == nil {
		c = cache.Noop{}
	}
	return &Engine{
		store:      store,
		embedder:   embedder,
		index:      index,
		cache:      c,
		generators: generators,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

type RAGRequest struct {
	Query            string   `json:"query"`
	UserID           string   `json:"-"`
	MaxChunks        int      `json:"max_chunks"`
	ScoreThreshold   *float64 `json:"score_threshold,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	LLMProvider      string   `json:"llm_provider,omitempty"`
	LLMModel         string   `json:"llm_model,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	SessionID        *string  `json:"session_id,omitempty"`
	ConversationTurn int      `json:"conversation_turn"`
}

// snapshot is the request as recorded in query metadata.
func (r RAGRequest) snapshot() map[string]any {
	s := map[string]any{
		"query":             r.Query,
		"max_chunks":        r.MaxChunks,
		"conversation_turn": r.ConversationTurn,
	}
	if r.ScoreThreshold != nil {
		s["score_threshold"] = *r.ScoreThreshold
	}
	if len(r.DocumentIDs) > 0 {
		s["document_ids"] = r.DocumentIDs
	}
	if r.LLMProvider != "" {
		s["llm_provider"] = r.LLMProvider
	}
	if r.LLMModel != "" {
		s["llm_model"] = r.LLMModel
	}
	if r.SystemPrompt != "" {
		s["system_prompt"] = r.SystemPrompt
	}
	if r.Temperature != nil {
		s["temperature"] = *r.Temperature
	}
	if r.MaxTokens != nil {
		s["max_tokens"] = *r.MaxTokens
	}
	if r.SessionID != nil {
		s["session_id"] = *r.SessionID
	}
	return s
}

// resolved holds a request with every default applied.
type resolved struct {
	RAGRequest
	threshold   float64
	temperature float64
	maxTokens   int
}

func (e *Engine) resolve(req RAGRequest) resolved {
	r := resolved{
		RAGRequest:  req,
		threshold:   e.opts.DefaultScoreThreshold,
		temperature: e.opts.DefaultTemperature,
		maxTokens:   e.opts.DefaultMaxTokens,
	}
	if r.MaxChunks <= 0 {
		r.MaxChunks = e.opts.DefaultMaxChunks
	}
	if req.ScoreThreshold != nil {
		r.threshold = *req.ScoreThreshold
	}
	if req.Temperature != nil {
		r.temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		r.maxTokens = *req.MaxTokens
	}
	if r.SystemPrompt == "" {
		r.SystemPrompt = e.opts.SystemPrompt
	}
	return r
}

type ContextDocument struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Source     string         `json:"source"`
	PageNumber *int           `json:"page_number,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type RAGResult struct {
	QueryID             string            `json:"query_id"`
	Query               string            `json:"query"`
	Response            string            `json:"response"`
	ContextDocuments    []ContextDocument `json:"context_documents"`
	ContextUsed         string            `json:"context_used"`
	ProcessingTimeMS    int64             `json:"processing_time_ms"`
	LLMProvider         string            `json:"llm_provider"`
	LLMModel            string            `json:"llm_model"`
	InputTokens         int               `json:"input_tokens"`
	OutputTokens        int               `json:"output_tokens"`
	TotalTokens         int               `json:"total_tokens"`
	EstimatedCost       float64           `json:"estimated_cost"`
	Sources             []string          `json:"sources"`
	SessionID           *string           `json:"session_id,omitempty"`
	ConversationTurn    int               `json:"conversation_turn"`
	SimilarityThreshold float64           `json:"similarity_threshold"`
	ConfidenceScore     float64           `json:"confidence_score"`
	SearchCacheHit      bool              `json:"search_cache_hit"`
	LLMCacheHit         bool              `json:"llm_cache_hit"`
	CreatedAt           time.Time         `json:"created_at"`
}

// retrieval is the outcome of the threshold ladder.
type retrieval struct {
	results   []vector.SearchResult
	threshold float64
	attempts  int
	cacheHit  bool
}

// ResolveModel picks the provider and model for a request: explicit request values, then the user's
// stored preferences, then the configured fallback. Each field is resolved independently.
func ResolveModel(reqProvider, reqModel string, prefs *models.UserPreferences, fallbackProvider, fallbackModel string) (string, string) {
	provider, model := reqProvider, reqModel
	if provider == "" && prefs != nil && prefs.LLMProvider != nil {
		provider = *prefs.LLMProvider
	}
	if model == "" && prefs != nil && prefs.LLMModel != nil {
		model = *prefs.LLMModel
	}
	if provider == "" {
		provider = fallbackProvider
	}
	if model == "" {
		model = fallbackModel
	}
	return provider, model
}

func (e *Engine) resolveModel(ctx context.Context, req resolved) (string, string) {
	var prefs *models.UserPreferences
	if req.LLMProvider == "" || req.LLMModel == "" {
		p, err := e.store.GetUserPreferences(ctx, req.UserID)
		switch {
		case err == nil:
			prefs = p
		case !errors.Is(err, storage.ErrNotFound):
			logger.Warn("Failed to load user preferences", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}
	return ResolveModel(req.LLMProvider, req.LLMModel, prefs, e.opts.DefaultProvider, e.opts.DefaultModel)
}

// Answer runs the synchronous RAG pipeline. Any failure is recorded as a failed query and returned
// as a *RAGError.
func (e *Engine) Answer(ctx context.Context, req RAGRequest) (*RAGResult, error) {
	start := e.now()
	r := e.resolve(req)

	result, err := e.answer(ctx, r, start)
	elapsed := e.now().Sub(start)
	metrics.QueryDuration.WithLabelValues(models.QueryTypeRAG).Observe(elapsed.Seconds())
	if err != nil {
		metrics.QueryTotal.WithLabelValues(models.QueryTypeRAG, string(models.StatusFailed)).Inc()
		logger.Error("RAG query failed",
			zap.String("user_id", r.UserID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		e.persistFailure(ctx, r, models.QueryTypeRAG, start, err)
		return nil, &RAGError{QueryType: models.QueryTypeRAG, Err: err}
	}

	metrics.QueryTotal.WithLabelValues(models.QueryTypeRAG, string(models.StatusCompleted)).Inc()
	return result, nil
}

func (e *Engine) answer(ctx context.Context, req resolved, start time.Time) (*RAGResult, error) {
	emb, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	hash := QueryHash(req.Query)

	ret, err := e.retrieve(ctx, req, hash, emb)
	if err != nil {
		return nil, err
	}
	metrics.ThresholdAttempts.Observe(float64(ret.attempts))
	metrics.ChosenThreshold.Observe(ret.threshold)
	metrics.VectorResultsCount.Observe(float64(len(ret.results)))

	docs := toContextDocuments(ret.results)
	contextText := joinContext(docs)
	chunkIDs := chunkIDsOf(docs)

	provider, model := e.resolveModel(ctx, req)
	gen, err := e.generators.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	key := LLMCacheKey(req.UserID, provider, model, hash, chunkIDs, ret.threshold, req.maxTokens, req.temperature)
	var answer llm.GeneratedAnswer
	llmHit := e.cache.GetJSON(ctx, key, &answer)
	if llmHit {
		metrics.CacheHits.WithLabelValues("llm").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("llm").Inc()
		generated, err := gen.Generate(ctx, llm.GenerateRequest{
			Query:        req.Query,
			Passages:     toPassages(docs),
			Model:        model,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.temperature,
			MaxTokens:    req.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		answer = *generated
		e.cache.SetJSON(ctx, key, answer, e.opts.LLMCacheTTL)
	}

	cost := llm.EstimateCost(model, answer.Usage.PromptTokens, answer.Usage.CompletionTokens)
	if !llmHit {
		label := llm.ModelLabel(model)
		metrics.LLMTokensUsed.WithLabelValues(label, "input").Add(float64(answer.Usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(label, "output").Add(float64(answer.Usage.CompletionTokens))
		metrics.LLMCost.WithLabelValues(label).Add(cost)
	}

	now := e.now()
	elapsedMS := now.Sub(start).Milliseconds()
	sources := dedupe(sourcesOf(docs))
	assessment := evaluation.Assess(answer.Content, scoresOf(docs))

	q := &models.Query{
		ID:                   uuid.New().String(),
		UserID:               req.UserID,
		QueryText:            req.Query,
		QueryType:            models.QueryTypeRAG,
		Status:               models.StatusCompleted,
		ProcessingTimeMS:     &elapsedMS,
		RetrievedChunksCount: len(docs),
		RetrievedDocuments:   dedupe(documentIDsOf(docs)),
		SimilarityThreshold:  ret.threshold,
		LLMProvider:          provider,
		LLMModel:             model,
		InputTokens:          answer.Usage.PromptTokens,
		OutputTokens:         answer.Usage.CompletionTokens,
		TotalTokens:          answer.Usage.TotalTokens,
		EstimatedCost:        cost,
		SessionID:            req.SessionID,
		ConversationTurn:     req.ConversationTurn,
		Metadata: models.JSONMap{
			"request":             req.snapshot(),
			"requested_threshold": req.threshold,
			"threshold_attempts":  ret.attempts,
			"search_cache_hit":    ret.cacheHit,
			"llm_cache_hit":       llmHit,
		},
		CreatedAt: start,
		UpdatedAt: now,
	}
	resp := &models.QueryResponse{
		ID:                uuid.New().String(),
		QueryID:           q.ID,
		ResponseText:      answer.Content,
		ResponseFormat:    "text",
		ContextUsed:       contextText,
		ContextChunks:     chunkIDs,
		SourceAttribution: sources,
		ConfidenceScore:   &assessment.Confidence,
		ContainsCitations: assessment.ContainsCitations,
		IsCached:          llmHit,
		CacheHit:          ret.cacheHit || llmHit,
		GeneratedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	queryID := e.persistResult(ctx, q, resp)

	logger.Info("RAG query completed",
		zap.String("query_id", queryID),
		zap.String("user_id", req.UserID),
		zap.Int("chunks", len(docs)),
		zap.Float64("threshold", ret.threshold),
		zap.Bool("search_cache_hit", ret.cacheHit),
		zap.Bool("llm_cache_hit", llmHit),
		zap.Int64("processing_time_ms", elapsedMS),
	)

	return &RAGResult{
		QueryID:             queryID,
		Query:               req.Query,
		Response:            answer.Content,
		ContextDocuments:    docs,
		ContextUsed:         contextText,
		ProcessingTimeMS:    elapsedMS,
		LLMProvider:         provider,
		LLMModel:            model,
		InputTokens:         answer.Usage.PromptTokens,
		OutputTokens:        answer.Usage.CompletionTokens,
		TotalTokens:         answer.Usage.TotalTokens,
		EstimatedCost:       cost,
		Sources:             sources,
		SessionID:           req.SessionID,
		ConversationTurn:    req.ConversationTurn,
		SimilarityThreshold: ret.threshold,
		ConfidenceScore:     assessment.Confidence,
		SearchCacheHit:      ret.cacheHit,
		LLMCacheHit:         llmHit,
		CreatedAt:           start,
	}, nil
}

// retrieve walks the threshold ladder and stops at the first threshold with results.
func (e *Engine) retrieve(ctx context.Context, req resolved, hash string, emb []float32) (retrieval, error) {
	ladder := ThresholdLadder(req.threshold)
	fingerprint := FilterFingerprint(req.DocumentIDs)
	filter := vector.Filter{DocumentIDs: req.DocumentIDs}

	var ret retrieval
	for _, thr := range ladder {
		ret.attempts++
		ret.threshold = thr

		key := SearchCacheKey(req.UserID, hash, req.MaxChunks, thr, fingerprint)
		var results []vector.SearchResult
		if e.cache.GetJSON(ctx, key, &results) {
			metrics.CacheHits.WithLabelValues("search").Inc()
			ret.cacheHit = true
		} else {
			metrics.CacheMisses.WithLabelValues("search").Inc()
			ret.cacheHit = false

			found, err := e.index.Search(ctx, req.UserID, emb, req.MaxChunks, thr, filter)
			if err != nil {
				return retrieval{}, fmt.Errorf("%w: %w", ErrVectorSearch, err)
			}
			if found == nil {
				found = []vector.SearchResult{}
			}
			results = found
			e.cache.SetJSON(ctx, key, results, e.opts.SearchCacheTTL)
		}

		ret.results = results
		if len(results) > 0 {
			break
		}
		logger.Debug("No results at threshold",
			zap.String("user_id", req.UserID),
			zap.Float64("threshold", thr),
		)
	}
	return ret, nil
}

// persistResult writes the completed query and its response. A failure is logged and counted, never returned:
// the caller still gets its answer, with an empty query id when the query row itself could not be written.
func (e *Engine) persistResult(ctx context.Context, q *models.Query, resp *models.QueryResponse) string {
	if err := e.store.CreateQuery(ctx, q); err != nil {
		metrics.PersistenceFailures.WithLabelValues("create_query").Inc()
		logger.Error("Failed to persist query",
			zap.String("query_id", q.ID),
			zap.Error(fmt.Errorf("%w: %w", ErrPersistence, err)),
		)
		return ""
	}
	if _, err := e.store.CreateResponse(ctx, resp); err != nil {
		metrics.PersistenceFailures.WithLabelValues("create_response").Inc()
		logger.Error("Failed to persist query response",
			zap.String("query_id", q.ID),
			zap.Error(fmt.Errorf("%w: %w", ErrPersistence, err)),
		)
	}
	return q.ID
}

// persistFailure records a failed query. It contains its own errors: the original failure is the one reported.
func (e *Engine) persistFailure(ctx context.Context, req resolved, queryType string, start time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FinalizeTimeout)
	defer cancel()

	now := e.now()
	elapsedMS := now.Sub(start).Milliseconds()
	q := &models.Query{
		ID:                  uuid.New().String(),
		UserID:              req.UserID,
		QueryText:           req.Query,
		QueryType:           queryType,
		Status:              models.StatusFailed,
		ProcessingTimeMS:    &elapsedMS,
		SimilarityThreshold: req.threshold,
		SessionID:           req.SessionID,
		ConversationTurn:    req.ConversationTurn,
		Metadata: models.JSONMap{
			"error":   cause.Error(),
			"request": req.snapshot(),
		},
		CreatedAt: start,
		UpdatedAt: now,
	}
	if err := e.store.CreateQuery(ctx, q); err != nil {
		metrics.PersistenceFailures.WithLabelValues("record_failure").Inc()
		logger.Warn("Failed to record failed query",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
}

// fallbackChunkID derives a stable id for index hits stored without one, so replays of a cached
// search produce the same answer cache key.
func fallbackChunkID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s:%d", documentID, chunkIndex)).String()
}

func toContextDocuments(results []vector.SearchResult) []ContextDocument {
	docs := make([]ContextDocument, 0, len(results))
	for _, r := range results {
		id := r.ID
		if id == "" {
			id = fallbackChunkID(r.DocumentID, r.ChunkIndex)
		}
		docs = append(docs, ContextDocument{
			ID:         id,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Text:       r.Text,
			Source:     sourceLabel(r),
			PageNumber: r.PageNumber,
			ChunkIndex: r.ChunkIndex,
			Metadata:   r.Metadata,
		})
	}
	return docs
}

func sourceLabel(r vector.SearchResult) string {
	if r.Source != "" {
		return r.Source
	}
	if name, ok := r.Metadata["filename"].(string); ok && name != "" {
		return name
	}
	return "Unknown"
}

func joinContext(docs []ContextDocument) string {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	return strings.Join(texts, "\n\n")
}

func toPassages(docs []ContextDocument) []llm.Passage {
	passages := make([]llm.Passage, len(docs))
	for i, d := range docs {
		passages[i] = llm.Passage{Label: d.Source, Text: d.Text, PageNumber: d.PageNumber}
	}
	return passages
}

func chunkIDsOf(docs []ContextDocument) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func scoresOf(docs []ContextDocument) []float64 {
	scores := make([]float64, len(docs))
	for i, d := range docs {
		scores[i] = d.Score
	}
	return scores
}

func documentIDsOf(docs []ContextDocument) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.DocumentID != "" {
			ids = append(ids, d.DocumentID)
		}
	}
	return ids
}

func sourcesOf(docs []ContextDocument) []string {
	sources := make([]string, len(docs))
	for i, d := range docs {
		sources[i] = d.Source
	}
	return sources
}

// dedupe keeps the first occurrence of every value.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
