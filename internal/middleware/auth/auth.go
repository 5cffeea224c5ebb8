package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderUserID = "X-User-ID"
	// LocalsKey is where the user id is kept. Websocket connections carry it over from the upgrade request.
	LocalsKey = "user_id"
)

// RequireUser trusts the user id set by the upstream auth proxy and rejects requests without one.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(HeaderUserID))
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}
		c.Locals(LocalsKey, userID)
		return c.Next()
	}
}

// UserID returns the id stored by RequireUser, or "" outside an authenticated route.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalsKey).(string)
	return id
}
