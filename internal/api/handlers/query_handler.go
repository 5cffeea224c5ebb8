package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/middleware/auth"
	"github.com/ragquery/backend/internal/middleware/validation"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/pkg/logger"
)

const (
	ragFailedMessage = "RAG query failed"
	maxHistoryLimit  = 100
	maxAnalyticsDays = 365
)

type QueryHandler struct {
	queryEngine *query.Engine
	validator   *validation.Validator
}

func NewQueryHandler(queryEngine *query.Engine, validator *validation.Validator) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
		validator:   validator,
	}
}

func (h *QueryHandler) parseRAGRequest(c *fiber.Ctx) (query.RAGRequest, error) {
	var req query.RAGRequest
	if err := c.BodyParser(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request body", validation.ErrInvalid)
	}
	if err := h.validator.RAGRequest(&req); err != nil {
		return req, err
	}
	req.UserID = auth.UserID(c)
	return req, nil
}

// RAGQuery answers a question synchronously.
func (h *QueryHandler) RAGQuery(c *fiber.Ctx) error {
	req, err := h.parseRAGRequest(c)
	if err != nil {
		return badRequest(c, validation.Message(err))
	}

	result, err := h.queryEngine.Answer(c.Context(), req)
	if err != nil {
		logger.Error("Failed to process RAG query", zap.String("user_id", req.UserID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": ragFailedMessage,
		})
	}

	return c.JSON(result)
}

// RAGQueryStream relays the answer as `data:` frames terminated by [DONE] or [ERROR: ...].
// Once the stream is open the status is fixed at 200, so every failure is reported in-band.
func (h *QueryHandler) RAGQueryStream(c *fiber.Ctx) error {
	req, err := h.parseRAGRequest(c)
	if err != nil {
		return badRequest(c, validation.Message(err))
	}

	contentType := fiber.MIMETextPlainCharsetUTF8
	if strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
		contentType = "text/event-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	stream, err := h.queryEngine.AnswerStream(c.UserContext(), req)
	if err != nil {
		logger.Error("Failed to open RAG stream", zap.String("user_id", req.UserID), zap.Error(err))
		return c.SendString(errorFrame(ragFailedMessage))
	}
	c.Set("X-Query-ID", stream.QueryID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer stream.Close()
		relay(w, stream)
	}))
	return nil
}

func relay(w *bufio.Writer, stream *query.AnswerStream) {
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			writeFrame(w, "data: [DONE]\n\n")
			return
		}
		if err != nil {
			logger.Error("RAG stream failed", zap.String("query_id", stream.QueryID), zap.Error(err))
			writeFrame(w, errorFrame(ragFailedMessage))
			return
		}
		if err := writeFrame(w, dataFrame(fragment)); err != nil {
			logger.Warn("Client disconnected from RAG stream", zap.String("query_id", stream.QueryID), zap.Error(err))
			return
		}
	}
}

func writeFrame(w *bufio.Writer, frame string) error {
	if _, err := w.WriteString(frame); err != nil {
		return err
	}
	return w.Flush()
}

// dataFrame keeps multi-line fragments inside one event.
func dataFrame(fragment string) string {
	return "data: " + strings.ReplaceAll(fragment, "\n", "\ndata: ") + "\n\n"
}

func errorFrame(msg string) string {
	return "data: [ERROR: " + msg + "]\n\n"
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	skip := c.QueryInt("skip", 0)
	limit := c.QueryInt("limit", 20)
	if skip < 0 {
		return badRequest(c, "skip must not be negative")
	}
	if limit < 1 || limit > maxHistoryLimit {
		return badRequest(c, "limit must be between 1 and 100")
	}

	page, err := h.queryEngine.History(c.Context(), auth.UserID(c), c.Query("session_id"), skip, limit)
	if err != nil {
		return respondError(c, err, "Failed to get query history")
	}
	return c.JSON(page)
}

func (h *QueryHandler) GetAnalyticsSummary(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	if days < 1 || days > maxAnalyticsDays {
		return badRequest(c, "days must be between 1 and 365")
	}

	summary, err := h.queryEngine.Analytics(c.Context(), auth.UserID(c), days)
	if err != nil {
		return respondError(c, err, "Failed to get analytics")
	}
	return c.JSON(summary)
}

func (h *QueryHandler) GetQuery(c *fiber.Ctx) error {
	q, err := h.queryEngine.GetQuery(c.Context(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to get query")
	}
	return c.JSON(q)
}

func (h *QueryHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		Rating   int     `json:"rating"`
		Feedback *string `json:"feedback"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := h.validator.Rating(req.Rating); err != nil {
		return badRequest(c, validation.Message(err))
	}

	queryID := c.Params("id")
	if err := h.queryEngine.SubmitFeedback(c.Context(), auth.UserID(c), queryID, req.Rating, req.Feedback); err != nil {
		return respondError(c, err, "Failed to submit feedback")
	}
	return c.JSON(fiber.Map{
		"message":  "Feedback recorded",
		"query_id": queryID,
	})
}

func (h *QueryHandler) UpdatePreferences(c *fiber.Ctx) error {
	var req struct {
		LLMProvider *string `json:"llm_provider"`
		LLMModel    *string `json:"llm_model"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	prefs, err := h.queryEngine.SetPreferences(c.Context(), auth.UserID(c), req.LLMProvider, req.LLMModel)
	if err != nil {
		return respondError(c, err, "Failed to update preferences")
	}
	return c.JSON(prefs)
}
