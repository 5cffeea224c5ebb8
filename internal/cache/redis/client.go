package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ragquery/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(ctx context.Context, host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func newFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		logger.Warn("Failed to decode cached value", zap.String("key", key), zap.Error(err))
		return false
	}

	logger.Debug("Cache hit", zap.String("key", key))
	return true
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("Failed to encode cache value", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return false
	}

	logger.Debug("Value cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return true
}

func (c *Client) Delete(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) int {
	removed := 0
	iter := c.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 500).Iterator()
	for iter.Next(ctx) {
		n, err := c.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed += int(n)
	}

	if err := iter.Err(); err != nil {
		logger.Warn("Failed to iterate cache keys", zap.String("prefix", prefix), zap.Error(err))
	}

	logger.Debug("Cache prefix invalidated", zap.String("prefix", prefix), zap.Int("removed", removed))
	return removed
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
