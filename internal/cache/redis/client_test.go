package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func unreachableClient() *Client {
	return newFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
}

func TestUnreachableBackendDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := unreachableClient()
	defer c.Close()

	var v map[string]any
	assert.False(t, c.GetJSON(ctx, "search:user:u1:x", &v))
	assert.False(t, c.SetJSON(ctx, "search:user:u1:x", map[string]any{"a": 1}, time.Minute))
	assert.False(t, c.Delete(ctx, "search:user:u1:x"))
	assert.Equal(t, 0, c.DeletePrefix(ctx, "search:user:u1:"))
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewClient(ctx, "127.0.0.1", 1, "", 0)
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `search:user:a\*b\?\[c\]:`, escapeGlob("search:user:a*b?[c]:"))
}
