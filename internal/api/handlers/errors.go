package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/middleware/validation"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/pkg/logger"
)

// respondError maps engine errors onto HTTP statuses. Anything unexpected becomes a 500 carrying only publicMsg.
func respondError(c *fiber.Ctx, err error, publicMsg string) error {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validation.Message(err)})
	case errors.Is(err, query.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, query.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Query not found"})
	}

	logger.Error(publicMsg,
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": publicMsg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
