package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/api/handlers"
	"github.com/ragquery/backend/internal/cache"
	"github.com/ragquery/backend/internal/cache/memory"
	"github.com/ragquery/backend/internal/cache/redis"
	"github.com/ragquery/backend/internal/ingestion"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/internal/storage/postgres"
	"github.com/ragquery/backend/internal/storage/sqlite"
	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/internal/vector/milvus"
	"github.com/ragquery/backend/internal/vector/qdrant"
	"github.com/ragquery/backend/pkg/config"
	appLogger "github.com/ragquery/backend/pkg/logger"
)

type store interface {
	query.Store
	ingestion.DocumentStore
	handlers.Pinger
	InitSchema(ctx context.Context) error
	Close() error
}

type vectorIndex interface {
	vector.Index
	EnsureCollection(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store, error) {
	var (
		s   store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = postgres.NewClient(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	default:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		s, err = sqlite.NewClient(cfg.SQLite.Path)
	}
	if err != nil {
		return nil, err
	}

	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// openCache never fails: an unreachable redis degrades to running without a cache.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func() error, handlers.Pinger) {
	noClose := func() error { return nil }

	switch cfg.Cache.Provider {
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
			return cache.Noop{}, noClose, nil
		}
		return client, client.Close, client
	case "memory":
		return memory.New(), noClose, nil
	default:
		return cache.Noop{}, noClose, nil
	}
}

func openVectorIndex(ctx context.Context, cfg config.VectorConfig) (vectorIndex, error) {
	var (
		idx vectorIndex
		err error
	)
	switch cfg.Provider {
	case "milvus":
		idx, err = milvus.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
	default:
		idx, err = qdrant.NewClient(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.APIKey, cfg.Qdrant.UseTLS, cfg.Qdrant.Collection, cfg.Qdrant.VectorDim)
	}
	if err != nil {
		return nil, err
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := idx.EnsureCollection(ensureCtx); err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to ensure vector collection: %w", err)
	}
	return idx, nil
}
