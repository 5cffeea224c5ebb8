package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/storage/models"
)

func seedQuery(t *testing.T, s *fakeStore, id string, status models.QueryStatus, created time.Time, withResponse bool) {
	t.Helper()
	require.NoError(t, s.CreateQuery(context.Background(), &models.Query{
		ID:        id,
		UserID:    "u1",
		QueryText: "q " + id,
		QueryType: models.QueryTypeStreaming,
		Status:    status,
		Metadata:  models.JSONMap{},
		CreatedAt: created,
	}))
	if withResponse {
		_, err := s.CreateResponse(context.Background(), &models.QueryResponse{
			ID:          "r-" + id,
			QueryID:     id,
			GeneratedAt: created.Add(1500 * time.Millisecond),
		})
		require.NoError(t, err)
	}
}

func TestHistoryRepairsUnreconciledRows(t *testing.T) {
	f := newFixture(t)
	base := fixedNow.Add(-time.Hour)
	seedQuery(t, f.store, "stuck", models.StatusProcessing, base, true)
	seedQuery(t, f.store, "inflight", models.StatusProcessing, base.Add(time.Minute), false)
	seedQuery(t, f.store, "failed", models.StatusFailed, base.Add(2*time.Minute), true)

	page, err := f.engine.History(context.Background(), "u1", "", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Queries, 3)

	byID := map[string]models.QueryWithResponse{}
	for _, q := range page.Queries {
		byID[q.ID] = q
	}

	assert.Equal(t, models.StatusCompleted, byID["stuck"].Status)
	require.NotNil(t, byID["stuck"].ProcessingTimeMS)
	assert.Equal(t, int64(1500), *byID["stuck"].ProcessingTimeMS)

	assert.Equal(t, models.StatusProcessing, byID["inflight"].Status)
	assert.Equal(t, models.StatusFailed, byID["failed"].Status)

	stored, err := f.store.GetQuery(context.Background(), "u1", "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	stored, err = f.store.GetQuery(context.Background(), "u1", "failed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, f.store.updates)
}

func TestHistoryBackfillsMissingProcessingTime(t *testing.T) {
	f := newFixture(t)
	seedQuery(t, f.store, "done", models.StatusCompleted, fixedNow.Add(-time.Hour), true)

	page, err := f.engine.History(context.Background(), "u1", "", 0, 10)
	require.NoError(t, err)
	require.NotNil(t, page.Queries[0].ProcessingTimeMS)
	assert.Equal(t, int64(1500), *page.Queries[0].ProcessingTimeMS)
	assert.Equal(t, models.StatusCompleted, page.Queries[0].Status)
}

func TestHistoryRepairFailureDoesNotBlockListing(t *testing.T) {
	f := newFixture(t)
	seedQuery(t, f.store, "stuck", models.StatusProcessing, fixedNow.Add(-time.Hour), true)
	seedQuery(t, f.store, "ok", models.StatusCompleted, fixedNow.Add(-time.Minute), false)
	f.store.updateQueryErr = errors.New("database is locked")

	page, err := f.engine.History(context.Background(), "u1", "", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Queries, 2)
	assert.Equal(t, "ok", page.Queries[0].ID)
	assert.Equal(t, models.StatusProcessing, page.Queries[1].Status)
	assert.Nil(t, page.Queries[1].ProcessingTimeMS)
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		seedQuery(t, f.store, id, models.StatusFailed, fixedNow.Add(time.Duration(i)*time.Minute), false)
	}

	page, err := f.engine.History(context.Background(), "u1", "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.Size)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Queries, 2)
	assert.Equal(t, "c", page.Queries[0].ID)

	empty, err := f.engine.History(context.Background(), "nobody", "", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Queries)
	assert.Equal(t, 0, empty.Pages)
	assert.Equal(t, defaultHistoryLimit, empty.Size)
}

func TestAnalyticsWindow(t *testing.T) {
	f := newFixture(t)
	seedQuery(t, f.store, "recent", models.StatusCompleted, fixedNow.Add(-time.Hour), false)
	seedQuery(t, f.store, "old", models.StatusCompleted, fixedNow.AddDate(0, 0, -40), false)

	summary, err := f.engine.Analytics(context.Background(), "u1", 0)
	require.NoError(t, err)

	assert.Equal(t, 30, summary.PeriodDays)
	assert.Equal(t, fixedNow, summary.PeriodEnd)
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), summary.PeriodStart)
	assert.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), f.store.aggDayStart)
	assert.Equal(t, 1, summary.TotalQueries)
	assert.NotNil(t, summary.QueriesByType)

	summary, err = f.engine.Analytics(context.Background(), "u1", 60)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalQueries)
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	seedQuery(t, f.store, "q1", models.StatusCompleted, fixedNow, false)

	assert.ErrorIs(t, f.engine.SubmitFeedback(context.Background(), "u1", "q1", 6, nil), ErrInvalidRequest)
	assert.ErrorIs(t, f.engine.SubmitFeedback(context.Background(), "u2", "q1", 4, nil), ErrNotFound)
	require.NoError(t, f.engine.SubmitFeedback(context.Background(), "u1", "q1", 4, ptr("helpful")))

	q, err := f.engine.GetQuery(context.Background(), "u1", "q1")
	require.NoError(t, err)
	assert.Equal(t, 4, *q.UserRating)
	assert.Equal(t, "helpful", *q.Feedback)

	_, err = f.engine.GetQuery(context.Background(), "u2", "q1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPreferences(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SetPreferences(context.Background(), "u1", ptr("anthropic"), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	prefs, err := f.engine.SetPreferences(context.Background(), "u1", ptr(" mock "), ptr("mock-1"))
	require.NoError(t, err)
	assert.Equal(t, "mock", *prefs.LLMProvider)

	stored, err := f.store.GetUserPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "mock-1", *stored.LLMModel)
}
