package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/pkg/circuitbreaker"
	"github.com/ragquery/backend/pkg/logger"
	"github.com/ragquery/backend/pkg/retry"
)

// Groq uses the official OpenAI SDK against Groq's OpenAI-compatible API.
type Groq struct {
	client      *openai.Client
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewGroq(apiKey, baseURL string, timeout time.Duration) *Groq {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Info("LLM provider initialized", zap.String("provider", "groq"), zap.String("base_url", baseURL))

	return &Groq{
		client:  &client,
		timeout: timeout,
		cb: circuitbreaker.NewCircuitBreaker("groq", circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			IsFailure:        retry.IsTransient,
			OnStateChange:    metrics.RecordBreakerState,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.DefaultConfig(),
	}
}

func (g *Groq) params(req GenerateRequest) openai.ChatCompletionNewParams {
	system, user := BuildMessages(req)
	p := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: param.Opt[float64]{Value: req.Temperature},
	}
	if req.MaxTokens > 0 {
		p.MaxTokens = param.Opt[int64]{Value: int64(req.MaxTokens)}
	}
	return p
}

func (g *Groq) Generate(ctx context.Context, req GenerateRequest) (*GeneratedAnswer, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := g.params(req)

	return circuitbreaker.Run(ctx, g.cb, func() (*GeneratedAnswer, error) {
		return retry.DoWithResult(ctx, g.retryConfig, func() (*GeneratedAnswer, error) {
			res, err := g.client.Chat.Completions.New(ctx, params)
			if err != nil {
				return nil, fmt.Errorf("failed to generate completion: %w", err)
			}
			if len(res.Choices) == 0 {
				return nil, errors.New("no choices in response")
			}

			return &GeneratedAnswer{
				Content: res.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     int(res.Usage.PromptTokens),
					CompletionTokens: int(res.Usage.CompletionTokens),
					TotalTokens:      int(res.Usage.TotalTokens),
				},
			}, nil
		})
	})
}

func (g *Groq) GenerateStream(ctx context.Context, req GenerateRequest) (Stream, error) {
	params := g.params(req)

	s, err := circuitbreaker.Run(ctx, g.cb, func() (*ssestream.Stream[openai.ChatCompletionChunk], error) {
		s := g.client.Chat.Completions.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open completion stream: %w", err)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return &groqStream{stream: s}, nil
}

type groqStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *groqStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("failed to read completion stream: %w", err)
	}
	return "", io.EOF
}

func (s *groqStream) Close() error {
	return s.stream.Close()
}
