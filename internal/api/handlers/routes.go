package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/middleware/auth"
)

type Routes struct {
	Query     *QueryHandler
	Document  *DocumentHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler
}

// Register mounts the API. Every route except health, readiness and metrics requires a user id;
// protected middleware runs after authentication.
func (r Routes) Register(app *fiber.App, protected ...fiber.Handler) {
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", r.Health.Health)
	api.Get("/ready", r.Health.Ready)

	secured := func(extra ...fiber.Handler) []fiber.Handler {
		chain := make([]fiber.Handler, 0, 1+len(protected)+len(extra))
		chain = append(chain, auth.RequireUser())
		chain = append(chain, protected...)
		return append(chain, extra...)
	}

	queries := api.Group("/queries", secured()...)
	queries.Post("/rag", r.Query.RAGQuery)
	queries.Post("/rag/stream", r.Query.RAGQueryStream)
	queries.Get("/history", r.Query.GetQueryHistory)
	queries.Get("/analytics/summary", r.Query.GetAnalyticsSummary)
	queries.Get("/:id", r.Query.GetQuery)
	queries.Post("/:id/feedback", r.Query.SubmitFeedback)

	users := api.Group("/users", secured()...)
	users.Put("/preferences", r.Query.UpdatePreferences)

	documents := api.Group("/documents", secured()...)
	documents.Post("/", r.Document.UploadDocument)
	documents.Delete("/:id", r.Document.DeleteDocument)

	api.Get("/ws", secured(RequireUpgrade, websocket.New(r.WebSocket.HandleConnection))...)
}
