package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

const defaultEngineTimeout = 120 * time.Second

type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	AllowNoKey bool
}

// OpenAIProvider speaks the chat completions API, which OpenRouter,
// Moonshot and Ollama also serve.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	allowNoKey bool
	client     *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEngineTimeout
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		allowNoKey: cfg.AllowNoKey,
		client:     &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if p.apiKey == "" && !p.allowNoKey {
		return "", missingAPIKey()
	}
	if p.model == "" {
		return "", provider.Errorf(provider.CodeInternal, "missing model for remote engine")
	}
	body, err := json.Marshal(map[string]any{
		"model":    p.model,
		"messages": messages,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	p.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", statusError(resp)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", provider.Errorf(provider.CodeExtractionFailed, "decode engine response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return "", provider.Errorf(provider.CodeExtractionFailed, "engine response had no choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", provider.Errorf(provider.CodeExtractionFailed, "engine response was empty")
	}
	return content, nil
}

// Probe lists models, which every compatible server answers cheaply.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	if p.apiKey == "" && !p.allowNoKey {
		return missingAPIKey()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	return nil
}

func (p *OpenAIProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
