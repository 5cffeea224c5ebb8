package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/middleware/auth"
	"github.com/ragquery/backend/internal/middleware/validation"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine *query.Engine
	validator   *validation.Validator
}

func NewWebSocketHandler(queryEngine *query.Engine, validator *validation.Validator) *WebSocketHandler {
	return &WebSocketHandler{
		queryEngine: queryEngine,
		validator:   validator,
	}
}

type wsMessage struct {
	Type string `json:"type"`
	query.RAGRequest
}

// RequireUpgrade rejects plain HTTP requests to the websocket route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals(auth.LocalsKey).(string)
	logger.Info("WebSocket connection established", zap.String("user_id", userID))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("user_id", userID))
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			continue
		}

		req := msg.RAGRequest
		if err := h.validator.RAGRequest(&req); err != nil {
			if h.sendError(c, validation.Message(err)) != nil {
				return
			}
			continue
		}
		req.UserID = userID

		if err := h.streamResponse(ctx, c, req); err != nil {
			logger.Warn("Failed to stream WebSocket response", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
}

// streamResponse returns an error only when the connection is no longer writable.
func (h *WebSocketHandler) streamResponse(ctx context.Context, c *websocket.Conn, req query.RAGRequest) error {
	stream, err := h.queryEngine.AnswerStream(ctx, req)
	if err != nil {
		logger.Error("Failed to open RAG stream", zap.String("user_id", req.UserID), zap.Error(err))
		return h.sendError(c, ragFailedMessage)
	}
	defer stream.Close()

	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return h.sendComplete(c, stream)
		}
		if err != nil {
			logger.Error("RAG stream failed", zap.String("query_id", stream.QueryID), zap.Error(err))
			return h.sendError(c, ragFailedMessage)
		}
		if err := h.sendChunk(c, fragment); err != nil {
			return err
		}
	}
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, content string) error {
	return c.WriteJSON(fiber.Map{
		"type":    "chunk",
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, stream *query.AnswerStream) error {
	return c.WriteJSON(fiber.Map{
		"type":              "complete",
		"query_id":          stream.QueryID,
		"context_documents": stream.ContextDocuments,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(fiber.Map{
		"type":  "error",
		"error": errorMsg,
	})
}
