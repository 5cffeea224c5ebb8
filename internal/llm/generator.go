package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown llm provider")

type Passage struct {
	Label      string
	Text       string
	PageNumber *int
}

type GenerateRequest struct {
	Query        string
	Passages     []Passage
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GeneratedAnswer is used both for live generations and for answers replayed from the cache.
type GeneratedAnswer struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Stream yields non-empty text fragments and io.EOF once the generation is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GeneratedAnswer, error)
	GenerateStream(ctx context.Context, req GenerateRequest) (Stream, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Generator)}
}

func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = g
}

func (r *Registry) Get(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
