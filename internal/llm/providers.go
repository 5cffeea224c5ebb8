package llm

import (
	"time"

	"github.com/ragquery/backend/pkg/config"
)

// FromConfig registers every enabled provider. The mock provider is only registered when enabled.
func FromConfig(cfg config.LLMConfig) *Registry {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	r := NewRegistry()

	if cfg.OpenAI.Enabled {
		r.Register("openai", NewOpenAI("openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, timeout))
	}
	if cfg.Groq.Enabled {
		r.Register("groq", NewGroq(cfg.Groq.APIKey, cfg.Groq.BaseURL, timeout))
	}
	if cfg.Ollama.Enabled {
		apiKey := cfg.Ollama.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		r.Register("ollama", NewOpenAI("ollama", apiKey, cfg.Ollama.BaseURL, timeout))
	}
	if cfg.MockEnabled {
		r.Register("mock", Mock{})
	}

	return r
}
