package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/pkg/logger"
)

const (
	defaultHistoryLimit  = 20
	defaultAnalyticsDays = 30
)

type HistoryPage struct {
	Queries []models.QueryWithResponse `json:"queries"`
	Total   int                        `json:"total"`
	Page    int                        `json:"page"`
	Size    int                        `json:"size"`
	Pages   int                        `json:"pages"`
}

// History lists a user's queries newest first. Rows left behind by an unreconciled stream are repaired
// in place as they are read.
func (e *Engine) History(ctx context.Context, userID, sessionID string, skip, limit int) (*HistoryPage, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, total, err := e.store.ListQueries(ctx, userID, sessionID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list queries: %w", ErrPersistence, err)
	}
	for i := range rows {
		e.repair(ctx, &rows[i])
	}
	if rows == nil {
		rows = []models.QueryWithResponse{}
	}

	return &HistoryPage{
		Queries: rows,
		Total:   total,
		Page:    skip/limit + 1,
		Size:    limit,
		Pages:   (total + limit - 1) / limit,
	}, nil
}

func needsRepair(row *models.QueryWithResponse) bool {
	if row.Response == nil || row.Status == models.StatusFailed {
		return false
	}
	return row.Status == models.StatusProcessing || row.ProcessingTimeMS == nil
}

func (e *Engine) repair(ctx context.Context, row *models.QueryWithResponse) {
	if !needsRepair(row) {
		return
	}

	original := row.Query
	if row.ProcessingTimeMS == nil && !row.Response.GeneratedAt.IsZero() {
		ms := max(0, row.Response.GeneratedAt.Sub(row.CreatedAt).Milliseconds())
		row.ProcessingTimeMS = &ms
	}
	row.Status = models.StatusCompleted
	row.UpdatedAt = e.now()

	if err := e.store.UpdateQuery(ctx, &row.Query); err != nil {
		row.Query = original
		logger.Warn("Failed to repair query",
			zap.String("query_id", row.ID),
			zap.Error(err),
		)
		return
	}
	logger.Info("Repaired unreconciled query", zap.String("query_id", row.ID))
}

type AnalyticsSummary struct {
	models.QueryAggregates
	PeriodDays  int       `json:"period_days"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (e *Engine) Analytics(ctx context.Context, userID string, days int) (*AnalyticsSummary, error) {
	if days <= 0 {
		days = defaultAnalyticsDays
	}
	end := e.now().UTC()
	start := end.AddDate(0, 0, -days)
	dayStart := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	agg, err := e.store.Aggregate(ctx, userID, start, dayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to aggregate queries: %w", ErrPersistence, err)
	}
	if agg.QueriesByType == nil {
		agg.QueriesByType = map[string]int{}
	}

	return &AnalyticsSummary{
		QueryAggregates: *agg,
		PeriodDays:      days,
		PeriodStart:     start,
		PeriodEnd:       end,
	}, nil
}

func (e *Engine) GetQuery(ctx context.Context, userID, queryID string) (*models.QueryWithResponse, error) {
	q, err := e.store.GetQuery(ctx, userID, queryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get query: %w", ErrPersistence, err)
	}
	return q, nil
}

func (e *Engine) SubmitFeedback(ctx context.Context, userID, queryID string, rating int, feedback *string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidRequest)
	}

	err := e.store.SetFeedback(ctx, userID, queryID, rating, feedback)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: failed to store feedback: %w", ErrPersistence, err)
	}

	metrics.UserRating.Observe(float64(rating))
	logger.Info("Feedback recorded",
		zap.String("query_id", queryID),
		zap.Int("rating", rating),
	)
	return nil
}

// SetPreferences stores the user's default provider and model. A provider must be registered.
func (e *Engine) SetPreferences(ctx context.Context, userID string, provider, model *string) (*models.UserPreferences, error) {
	if provider != nil {
		name := strings.TrimSpace(*provider)
		if name == "" {
			provider = nil
		} else {
			if _, err := e.generators.Get(name); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			provider = &name
		}
	}
	if model != nil {
		name := strings.TrimSpace(*model)
		if name == "" {
			model = nil
		} else {
			model = &name
		}
	}

	prefs := &models.UserPreferences{
		UserID:      userID,
		LLMProvider: provider,
		LLMModel:    model,
		UpdatedAt:   e.now(),
	}
	if err := e.store.UpsertUserPreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("%w: failed to store preferences: %w", ErrPersistence, err)
	}
	return prefs, nil
}
