// Package llm holds the engines that execute engine turns: an
// OpenAI-compatible HTTP client and a local stub for offline runs.
package llm

import (
	"context"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider executes one engine turn.
type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Prober checks that an engine is reachable and authorized without running a turn.
type Prober interface {
	Probe(ctx context.Context) error
}

type Config struct {
	Mode     string
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// compatibleBaseURLs maps each chat-completions compatible provider to its
// default endpoint. An empty entry means the OpenAI default.
var compatibleBaseURLs = map[string]string{
	"openai":      "",
	"openrouter":  "https://openrouter.ai/api/v1",
	"moonshot-ai": "https://api.moonshot.ai/v1",
	"ollama":      "http://127.0.0.1:11434/v1",
	"lmstudio":    "http://127.0.0.1:1234/v1",
}

// keylessProviders run on the local machine and accept unauthenticated calls.
var keylessProviders = map[string]bool{"ollama": true, "lmstudio": true}

func NewProvider(cfg Config) (Provider, error) {
	if cfg.Mode == "local" {
		return LocalProvider{}, nil
	}
	fallback, ok := compatibleBaseURLs[cfg.Provider]
	if !ok {
		return nil, unsupportedProvider(cfg.Provider)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fallback
	}
	apiKey := cfg.APIKey
	if keylessProviders[cfg.Provider] {
		apiKey = ""
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:     apiKey,
		Model:      cfg.Model,
		BaseURL:    baseURL,
		Timeout:    cfg.Timeout,
		AllowNoKey: keylessProviders[cfg.Provider],
	}), nil
}
