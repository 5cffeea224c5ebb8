package cache

import (
	"context"
	"time"
)

// Cache is a best-effort JSON key/value store. Backend failures surface as misses or no-ops.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	DeletePrefix(ctx context.Context, prefix string) int
}

type Noop struct{}

func (Noop) GetJSON(context.Context, string, any) bool { return false }
func (Noop) SetJSON(context.Context, string, any, time.Duration) bool { return false }
func (Noop) Delete(context.Context, string) bool { return false }
func (Noop) DeletePrefix(context.Context, string) int { return 0 }
