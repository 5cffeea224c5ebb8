package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/pkg/circuitbreaker"
	"github.com/ragquery/backend/pkg/logger"
	"github.com/ragquery/backend/pkg/retry"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. It backs the openai and ollama providers.
type OpenAI struct {
	name        string
	client      *openai.Client
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAI(name, apiKey, baseURL string, timeout time.Duration) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        retry.IsTransient,
		OnStateChange:    metrics.RecordBreakerState,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM provider initialized", zap.String("provider", name), zap.String("base_url", cfg.BaseURL))

	return &OpenAI{
		name:        name,
		client:      openai.NewClientWithConfig(cfg),
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (o *OpenAI) chatRequest(req GenerateRequest, stream bool) openai.ChatCompletionRequest {
	system, user := BuildMessages(req)
	return openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (*GeneratedAnswer, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	chatReq := o.chatRequest(req, false)

	return circuitbreaker.Run(ctx, o.cb, func() (*GeneratedAnswer, error) {
		return retry.DoWithResult(ctx, o.retryConfig, func() (*GeneratedAnswer, error) {
			resp, err := o.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return nil, fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, errors.New("no choices in completion response")
			}

			logger.Debug("LLM completion generated",
				zap.String("provider", o.name),
				zap.String("model", req.Model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			return &GeneratedAnswer{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
}

// GenerateStream opens a streaming completion. Only opening the stream is retried.
func (o *OpenAI) GenerateStream(ctx context.Context, req GenerateRequest) (Stream, error) {
	chatReq := o.chatRequest(req, true)

	s, err := circuitbreaker.Run(ctx, o.cb, func() (*openai.ChatCompletionStream, error) {
		return retry.DoWithResult(ctx, o.retryConfig, func() (*openai.ChatCompletionStream, error) {
			s, err := o.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return nil, fmt.Errorf("failed to open completion stream: %w", err)
			}
			return s, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: s}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("failed to read completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
