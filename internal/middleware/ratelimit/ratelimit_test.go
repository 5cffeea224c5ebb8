package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/middleware/auth"
)

func TestBucketRefills(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.allow("u1")
	assert.True(t, ok)
	ok, remaining := rl.allow("u1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	ok, _ = rl.allow("u1")
	assert.False(t, ok)

	ok, _ = rl.allow("u2")
	assert.True(t, ok, "buckets are per key")

	now = now.Add(30 * time.Second)
	ok, _ = rl.allow("u1")
	assert.True(t, ok)
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 5})
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.allow("u1")

	now = now.Add(11 * time.Minute)
	rl.evictIdle()
	assert.Empty(t, rl.buckets)
}

func TestMiddlewareLimitsPerUser(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(auth.RequireUser(), rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	send := func(user string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(auth.HeaderUserID, user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, send("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, send("alice"))
	assert.Equal(t, fiber.StatusNoContent, send("bob"))
}
