// Package llm is the completion service: one interface over several
// chat-completion providers. All routing state (provider, model, key) travels
// inside the CallConfig of each call; there is no process-wide current
// provider.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ProviderName string

const (
	OpenRouter  ProviderName = "openrouter"
	OpenAI      ProviderName = "openai"
	Anthropic   ProviderName = "anthropic"
	Google      ProviderName = "google"
	HuggingFace ProviderName = "huggingface"
)

var baseURLs = map[ProviderName]string{
	OpenRouter:  "https://openrouter.ai/api/v1/chat/completions",
	OpenAI:      "https://api.openai.com/v1/chat/completions",
	Anthropic:   "https://api.anthropic.com/v1/messages",
	Google:      "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
	HuggingFace: "https://api-inference.huggingface.co/v1/chat/completions",
}

// CallConfig carries everything one completion call needs.
type CallConfig struct {
	Provider  ProviderName
	Model     string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string // override, mainly for tests
}

func (c CallConfig) baseURL() (string, error) {
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	u, ok := baseURLs[c.Provider]
	if !ok {
		return "", fmt.Errorf("unsupported LLM provider: %s", c.Provider)
	}
	return u, nil
}

// Provider is the completion service interface.
type Provider interface {
	Complete(ctx context.Context, system, user string, cfg CallConfig) (string, error)
}

// Client talks the OpenAI chat wire format, with the Anthropic variant for
// that provider (system prompt as a top-level field).
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{}}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) Complete(ctx context.Context, system, user string, cfg CallConfig) (string, error) {
	url, err := cfg.baseURL()
	if err != nil {
		return "", err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	body, err := buildRequestBody(system, user, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(req, cfg)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		msg := payload.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("LLM API error: HTTP %d: %s", resp.StatusCode, msg)
	}

	content, err := parseResponse(resp, cfg.Provider)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("LLM returned empty content")
	}
	return content, nil
}

func buildRequestBody(system, user string, cfg CallConfig) ([]byte, error) {
	if cfg.Provider == Anthropic {
		body := map[string]any{
			"model":      cfg.Model,
			"messages":   []message{{Role: "user", Content: user}},
			"max_tokens": cfg.MaxTokens,
		}
		if system != "" {
			body["system"] = system
		}
		return json.Marshal(body)
	}

	msgs := []message{}
	if system != "" {
		msgs = append(msgs, message{Role: "system", Content: system})
	}
	msgs = append(msgs, message{Role: "user", Content: user})
	return json.Marshal(map[string]any{
		"model":       cfg.Model,
		"messages":    msgs,
		"max_tokens":  cfg.MaxTokens,
		"temperature": 0.3,
	})
}

func setHeaders(req *http.Request, cfg CallConfig) {
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey == "" {
		return
	}
	switch cfg.Provider {
	case Anthropic:
		req.Header.Set("x-api-key", cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case Google:
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		req.Header.Set("x-goog-api-key", cfg.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
}

func parseResponse(resp *http.Response, provider ProviderName) (string, error) {
	if provider == Anthropic {
		var out struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if len(out.Content) == 0 {
			return "", fmt.Errorf("no content blocks in response")
		}
		return out.Content[0].Text, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}
