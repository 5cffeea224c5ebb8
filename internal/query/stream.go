package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/evaluation"
	"github.com/ragquery/backend/internal/llm"
	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/pkg/logger"
)

var errStreamClosed = errors.New("stream closed before completion")

// AnswerStream relays generated fragments to the caller and reconciles the query record exactly once,
// when the generator finishes, fails, or the caller closes the stream.
type AnswerStream struct {
	QueryID          string
	ContextDocuments []ContextDocument

	engine      *Engine
	base        context.Context
	stream      llm.Stream
	query       *models.Query
	prompt      string
	contextText string
	chunkIDs    []string
	sources     []string
	scores      []float64

	mu        sync.Mutex
	buf       strings.Builder
	once      sync.Once
	closeOnce sync.Once
}

// AnswerStream performs a single search at the requested threshold, records the query as processing and
// opens the generator stream. Failures before the first fragment are reported like Answer.
func (e *Engine) AnswerStream(ctx context.Context, req RAGRequest) (*AnswerStream, error) {
	start := e.now()
	r := e.resolve(req)

	s, err := e.openStream(ctx, r, start)
	if err != nil {
		logger.Error("Streaming RAG query failed to start",
			zap.String("user_id", r.UserID),
			zap.Error(err),
		)
		return nil, &RAGError{QueryType: models.QueryTypeStreaming, Err: err}
	}
	return s, nil
}

func (e *Engine) openStream(ctx context.Context, req resolved, start time.Time) (*AnswerStream, error) {
	fail := func(err error) (*AnswerStream, error) {
		metrics.QueryTotal.WithLabelValues(models.QueryTypeStreaming, string(models.StatusFailed)).Inc()
		e.persistFailure(ctx, req, models.QueryTypeStreaming, start, err)
		return nil, err
	}

	emb, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrEmbedding, err))
	}

	results, err := e.index.Search(ctx, req.UserID, emb, req.MaxChunks, req.threshold, vector.Filter{DocumentIDs: req.DocumentIDs})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrVectorSearch, err))
	}
	metrics.VectorResultsCount.Observe(float64(len(results)))

	docs := toContextDocuments(results)
	contextText := joinContext(docs)

	provider, model := e.resolveModel(ctx, req)
	gen, err := e.generators.Get(provider)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrGeneration, err))
	}

	q := &models.Query{
		ID:                   uuid.New().String(),
		UserID:               req.UserID,
		QueryText:            req.Query,
		QueryType:            models.QueryTypeStreaming,
		Status:               models.StatusProcessing,
		RetrievedChunksCount: len(docs),
		RetrievedDocuments:   dedupe(documentIDsOf(docs)),
		SimilarityThreshold:  req.threshold,
		LLMProvider:          provider,
		LLMModel:             model,
		SessionID:            req.SessionID,
		ConversationTurn:     req.ConversationTurn,
		Metadata: models.JSONMap{
			"request":   req.snapshot(),
			"streaming": true,
		},
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := e.store.CreateQuery(ctx, q); err != nil {
		metrics.PersistenceFailures.WithLabelValues("create_query").Inc()
		return fail(fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	s := &AnswerStream{
		QueryID:          q.ID,
		ContextDocuments: docs,
		engine:           e,
		base:             ctx,
		query:            q,
		prompt:           req.Query + "\n\n" + contextText,
		contextText:      contextText,
		chunkIDs:         chunkIDsOf(docs),
		sources:          dedupe(sourcesOf(docs)),
		scores:           scoresOf(docs),
	}

	stream, err := gen.GenerateStream(ctx, llm.GenerateRequest{
		Query:        req.Query,
		Passages:     toPassages(docs),
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.temperature,
		MaxTokens:    req.maxTokens,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrGeneration, err)
		// The processing row already exists, so it is reconciled instead of a second failed row.
		s.finish(err)
		return nil, err
	}
	s.stream = stream

	logger.Info("Streaming RAG query started",
		zap.String("query_id", q.ID),
		zap.String("user_id", req.UserID),
		zap.Int("chunks", len(docs)),
		zap.String("provider", provider),
		zap.String("model", model),
	)
	return s, nil
}

// Recv returns the next fragment, or io.EOF once the answer is complete.
func (s *AnswerStream) Recv() (string, error) {
	fragment, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return "", io.EOF
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrGeneration, err)
		s.finish(err)
		return "", err
	}

	s.mu.Lock()
	s.buf.WriteString(fragment)
	s.mu.Unlock()
	return fragment, nil
}

// Close releases the generator. Closing before io.EOF keeps whatever was produced so far.
func (s *AnswerStream) Close() error {
	s.finish(errStreamClosed)

	var err error
	s.closeOnce.Do(func() {
		if s.stream != nil {
			err = s.stream.Close()
		}
	})
	return err
}

func (s *AnswerStream) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *AnswerStream) finish(cause error) {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), s.engine.opts.FinalizeTimeout)
		defer cancel()
		s.engine.reconcile(ctx, s.query, s.text(), s.prompt, s.contextText, s.chunkIDs, s.sources, s.scores, cause)
	})
}

// EstimateTokens approximates a token count at four characters per token, with a minimum of one for
// non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(1, utf8.RuneCountInString(text)/4)
}

// reconcile finalizes a streamed query. The response row is only written when text was produced and never
// twice for the same query.
func (e *Engine) reconcile(ctx context.Context, q *models.Query, text, prompt, contextText string, chunkIDs, sources []string, scores []float64, cause error) {
	now := e.now()
	elapsedMS := now.Sub(q.CreatedAt).Milliseconds()

	status := models.StatusFailed
	if text != "" {
		status = models.StatusCompleted
	}

	in, out := EstimateTokens(prompt), EstimateTokens(text)
	metadata := models.JSONMap{}
	for k, v := range q.Metadata {
		metadata[k] = v
	}
	metadata["token_estimated"] = true
	if cause != nil {
		metadata["error"] = cause.Error()
	}

	q.Status = status
	q.ProcessingTimeMS = &elapsedMS
	q.InputTokens = in
	q.OutputTokens = out
	q.TotalTokens = in + out
	q.EstimatedCost = llm.EstimateCost(q.LLMModel, in, out)
	q.Metadata = metadata
	q.UpdatedAt = now

	if err := e.store.UpdateQuery(ctx, q); err != nil {
		metrics.PersistenceFailures.WithLabelValues("finalize_query").Inc()
		logger.Error("Failed to finalize streamed query",
			zap.String("query_id", q.ID),
			zap.Error(err),
		)
	}

	if status == models.StatusCompleted {
		assessment := evaluation.Assess(text, scores)
		created, err := e.store.CreateResponse(ctx, &models.QueryResponse{
			ID:                uuid.New().String(),
			QueryID:           q.ID,
			ResponseText:      text,
			ResponseFormat:    "text",
			ContextUsed:       contextText,
			ContextChunks:     chunkIDs,
			SourceAttribution: sources,
			ConfidenceScore:   &assessment.Confidence,
			ContainsCitations: assessment.ContainsCitations,
			GeneratedAt:       now,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		switch {
		case err != nil:
			metrics.PersistenceFailures.WithLabelValues("finalize_response").Inc()
			logger.Error("Failed to persist streamed response",
				zap.String("query_id", q.ID),
				zap.Error(err),
			)
		case !created:
			logger.Debug("Streamed response already recorded", zap.String("query_id", q.ID))
		}
	}

	metrics.StreamFinalizations.WithLabelValues(string(status)).Inc()
	metrics.QueryTotal.WithLabelValues(models.QueryTypeStreaming, string(status)).Inc()
	metrics.QueryDuration.WithLabelValues(models.QueryTypeStreaming).Observe(float64(elapsedMS) / 1000)
	if status == models.StatusCompleted {
		label := llm.ModelLabel(q.LLMModel)
		metrics.LLMTokensUsed.WithLabelValues(label, "input").Add(float64(in))
		metrics.LLMTokensUsed.WithLabelValues(label, "output").Add(float64(out))
		metrics.LLMCost.WithLabelValues(label).Add(q.EstimatedCost)
	}

	logger.Info("Streamed query reconciled",
		zap.String("query_id", q.ID),
		zap.String("status", string(status)),
		zap.Int("output_tokens_estimated", out),
		zap.Int64("processing_time_ms", elapsedMS),
	)
}
