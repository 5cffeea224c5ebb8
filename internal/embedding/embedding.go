package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/ragquery/backend/internal/cache"
	"github.com/ragquery/backend/pkg/config"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// New builds the configured embedder, wrapped in the embedding cache when c is non-nil.
func New(cfg config.EmbeddingConfig, c cache.Cache, ttl time.Duration) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "openai":
		base = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "mock":
		base = NewMock(cfg.Dim)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}

	if c == nil {
		return base, nil
	}
	return NewCached(base, c, ttl), nil
}
