package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New()

	type hit struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	require.True(t, c.SetJSON(ctx, "search:user:u1:abc", []hit{{ID: "c1", Score: 0.9}}, time.Minute))

	var got []hit
	require.True(t, c.GetJSON(ctx, "search:user:u1:abc", &got))
	assert.Equal(t, []hit{{ID: "c1", Score: 0.9}}, got)

	assert.False(t, c.GetJSON(ctx, "missing", &got))
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := New()
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.SetJSON(ctx, "k", "v", 2*time.Minute)
	clock = clock.Add(time.Minute)

	var v string
	assert.True(t, c.GetJSON(ctx, "k", &v))

	clock = clock.Add(2 * time.Minute)
	assert.False(t, c.GetJSON(ctx, "k", &v))
	assert.Equal(t, 0, c.Len())
}

func TestDeletePrefixScopesToUser(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.SetJSON(ctx, "search:user:u1:a", 1, 0)
	c.SetJSON(ctx, "search:user:u1:b", 1, 0)
	c.SetJSON(ctx, "search:user:u10:a", 1, 0)
	c.SetJSON(ctx, "llm:user:u1:a", 1, 0)

	assert.Equal(t, 2, c.DeletePrefix(ctx, "search:user:u1:"))
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Delete(ctx, "llm:user:u1:a"))
	assert.False(t, c.Delete(ctx, "llm:user:u1:a"))
}

func TestUndecodableValueIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.SetJSON(ctx, "k", "not a number", time.Minute)

	var n int
	assert.False(t, c.GetJSON(ctx, "k", &n))
}
