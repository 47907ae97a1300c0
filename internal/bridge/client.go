package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

// Client speaks the claimant side of the bridge protocol.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) (*Client, error) {
	normalized, err := ValidateURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    normalized,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

type Health struct {
	OK          bool                             `json:"ok"`
	Running     bool                             `json:"running"`
	StartedAt   string                           `json:"startedAt"`
	TokenMasked string                           `json:"tokenMasked"`
	Providers   map[provider.ID]ProviderActivity `json:"providers"`
	Pending     int                              `json:"pending"`
}

func (c *Client) Claim(ctx context.Context, id provider.ID, pageURL string) (*Task, error) {
	var out struct {
		Task *Task `json:"task"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/task/claim", claimRequest{Provider: string(id), PageURL: pageURL}, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

func (c *Client) Stage(ctx context.Context, taskID string, stage TaskStatus, detail, pageURL string) error {
	return c.call(ctx, http.MethodPost, taskPath(taskID, "stage"), stageRequest{Stage: string(stage), Detail: detail, PageURL: pageURL}, nil)
}

func (c *Client) Result(ctx context.Context, taskID string, result Result) error {
	body := resultRequest{Text: result.Text, Raw: result.Raw, Meta: result.Meta, PageURL: result.PageURL}
	return c.call(ctx, http.MethodPost, taskPath(taskID, "result"), body, nil)
}

func (c *Client) Error(ctx context.Context, taskID string, code provider.Code, message string) error {
	return c.call(ctx, http.MethodPost, taskPath(taskID, "error"), errorRequest{Code: string(code), Message: message}, nil)
}

func (c *Client) Event(ctx context.Context, id provider.ID, level, code, message string) error {
	body := eventRequest{Provider: string(id), Level: level, Code: code, Message: message}
	return c.call(ctx, http.MethodPost, "/v1/bridge/event", body, nil)
}

// RotateToken asks the bridge for a fresh token and switches this client
// over to it.
func (c *Client) RotateToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/bridge/token/rotate", nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("bridge returned an empty token")
	}
	c.token = out.Token
	return out.Token, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.call(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func taskPath(taskID, action string) string {
	return "/v1/task/" + url.PathEscape(taskID) + "/" + action
}

// call fails on a non-2xx status or an {ok:false} body.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if method != http.MethodGet {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	var envelope struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &envelope)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (envelope.OK != nil && !*envelope.OK) {
		reason := envelope.Error
		if reason == "" {
			reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, reason)
		}
		return fmt.Errorf("bridge %s %s: %s", method, path, reason)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode bridge response: %w", err)
		}
	}
	return nil
}
