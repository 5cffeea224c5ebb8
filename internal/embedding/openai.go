package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/pkg/circuitbreaker"
	"github.com/ragquery/backend/pkg/logger"
	"github.com/ragquery/backend/pkg/retry"
)

const batchSize = 100

type OpenAI struct {
	client      *openai.Client
	model       string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        retry.IsTransient,
		OnStateChange:    metrics.RecordBreakerState,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.DefaultConfig()
	retryConfig.Logger = logger.GetLogger()

	logger.Info("Embedding client initialized", zap.String("model", model))

	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (o *OpenAI) Model() string {
	return o.model
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.embed(ctx, []string{text}, 15*time.Second)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		vectors, err := o.embed(ctx, texts[i:end], 60*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(out)))
	return out, nil
}

func (o *OpenAI) embed(ctx context.Context, inputs []string, timeout time.Duration) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return circuitbreaker.Run(ctx, o.cb, func() ([][]float32, error) {
		return retry.DoWithResult(ctx, o.retryConfig, func() ([][]float32, error) {
			resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: inputs,
				Model: openai.EmbeddingModel(o.model),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to generate embeddings: %w", err)
			}
			if len(resp.Data) != len(inputs) {
				return nil, errors.New("embedding response size mismatch")
			}

			vectors := make([][]float32, len(resp.Data))
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= len(vectors) {
					return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
				}
				vectors[d.Index] = d.Embedding
			}
			return vectors, nil
		})
	})
}
