package ai

import (
	"context"
	"net/http"
	"strings"
)

const (
	// DefaultOpenRouterEndpoint is the OpenAI-compatible chat completions URL
	DefaultOpenRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultOpenRouterModel is used when no model is configured
	DefaultOpenRouterModel = "deepseek/deepseek-chat-v3-0324:free"

	openRouterKeyPlaceholder = "YOUR_OPENROUTER_API_KEY"
	openAIFinishLength       = "length"
	openRouterAppTitle       = "Weblog AI Scanner"
)

// OpenRouterClient calls an OpenAI-compatible chat completions endpoint
// (OpenRouter by default) with bearer authentication and JSON mode.
type OpenRouterClient struct {
	baseClient
	maxTokens int
	referer   string
}

// openAIChatRequest is the request body for OpenAI-compatible /v1/chat/completions endpoint
type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// responseFormat specifies the output format
type responseFormat struct {
	Type string `json:"type"` // "json_object" for JSON mode
}

// openAIMessage represents a chat message in OpenAI format
type openAIMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// openAIChatResponse is the response from OpenAI-compatible /v1/chat/completions endpoint
type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenRouterConfig adds OpenRouter ranking headers to the shared config.
type OpenRouterConfig struct {
	ClientConfig
	Referer string // sent as HTTP-Referer, optional
}

// NewOpenRouterClient creates an OpenRouter client.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenRouterModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = openRouterTokenLimits.Floor
	}

	base := newBaseClient(ProviderOpenRouter, "OpenRouter", cfg.ClientConfig)
	return &OpenRouterClient{
		baseClient: base,
		maxTokens:  clampMaxTokensLogged(base.log, base.name, cfg.MaxTokens, openRouterTokenLimits),
		referer:    cfg.Referer,
	}
}

// Call analyzes req.Payload with the configured chat model.
func (c *OpenRouterClient) Call(ctx context.Context, req *Request) (result *Result) {
	defer recoverResult(c.name, &result)

	if f := checkCredentials(c.name, c.cfg.APIKey, openRouterKeyPlaceholder); f != nil {
		return c.finish(req, NewFailure(f))
	}
	if f := checkEndpoint(c.name, c.cfg.Endpoint); f != nil {
		return c.finish(req, NewFailure(f))
	}

	body := c.buildRequest(req)
	headers := c.headers()

	raw, attempts, failure := send(ctx, &c.baseClient, req, body, func(ctx context.Context, client *http.Client) ([]byte, error) {
		return postJSON(ctx, client, c.cfg.Endpoint, headers, body)
	})
	if failure != nil {
		return c.finish(req, NewFailure(failure))
	}

	envelope, err := decodeEnvelope[openAIChatResponse](raw)
	if err != nil {
		result = envelopeFailure(raw, err)
		c.recordOutcome(req, attempts, body, auditResponse(raw, nil), result)
		return c.finish(req, result)
	}

	result = normalize(envelope.completion(), rawJSON(raw))
	c.recordOutcome(req, attempts, body, auditResponse(raw, result), result)
	return c.finish(req, result)
}

func (c *OpenRouterClient) buildRequest(req *Request) openAIChatRequest {
	return openAIChatRequest{
		Model: c.cfg.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: SystemPrompt(req.Encoding)},
			{Role: "user", Content: UserPrompt(req.Payload)},
		},
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
}

func (c *OpenRouterClient) headers() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + strings.TrimSpace(c.cfg.APIKey),
		"User-Agent":    c.cfg.UserAgent,
		"X-Title":       openRouterAppTitle,
	}
	if c.referer != "" {
		headers["HTTP-Referer"] = c.referer
	}
	return headers
}

func (r *openAIChatResponse) completion() completion {
	if len(r.Choices) == 0 {
		return completion{Missing: "Missing 'choices' in API response"}
	}

	choice := r.Choices[0]
	c := completion{
		FinishReason: choice.FinishReason,
		Truncated:    choice.FinishReason == openAIFinishLength,
	}
	if choice.Message == nil || choice.Message.Content == nil {
		c.Missing = "Missing 'choices[0].message.content' in API response"
		return c
	}
	c.Text = *choice.Message.Content
	return c
}

// GetModelInfo returns information about the configured model
func (c *OpenRouterClient) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":      c.cfg.Model,
		"provider":   c.name,
		"max_tokens": c.maxTokens,
		"endpoint":   c.cfg.Endpoint,
	}
}

// GetProviderName returns the name of the provider
func (c *OpenRouterClient) GetProviderName() string {
	return c.name
}

// Ensure OpenRouterClient implements Provider interface
var _ Provider = (*OpenRouterClient)(nil)
