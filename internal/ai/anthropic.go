package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	internalerrors "github.com/olegiv/weblog-scanner/internal/errors"
)

const (
	// DefaultAnthropicEndpoint is the Messages API base URL
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1"

	// DefaultAnthropicModel is used when no model is configured
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

	anthropicKeyPlaceholder = "YOUR_ANTHROPIC_API_KEY"
	anthropicStopMaxTokens  = "max_tokens"
)

// AnthropicClient wraps the Anthropic Messages API client
type AnthropicClient struct {
	baseClient
	maxTokens int
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg ClientConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicTokenLimits.Floor
	}

	base := newBaseClient(ProviderAnthropic, "Anthropic", cfg)
	return &AnthropicClient{
		baseClient: base,
		maxTokens:  clampMaxTokensLogged(base.log, base.name, cfg.MaxTokens, anthropicTokenLimits),
	}
}

// Call analyzes req.Payload with Claude.
func (c *AnthropicClient) Call(ctx context.Context, req *Request) (result *Result) {
	defer recoverResult(c.name, &result)

	if f := checkCredentials(c.name, c.cfg.APIKey, anthropicKeyPlaceholder); f != nil {
		return c.finish(req, NewFailure(f))
	}
	if f := checkEndpoint(c.name, c.cfg.Endpoint); f != nil {
		return c.finish(req, NewFailure(f))
	}

	body := c.buildRequest(req)

	response, attempts, failure := send(ctx, &c.baseClient, req, body, func(ctx context.Context, client *http.Client) (anthropic.MessagesResponse, error) {
		return c.callAPI(ctx, client, body)
	})
	if failure != nil {
		return c.finish(req, NewFailure(failure))
	}

	raw, _ := json.Marshal(response)

	result = normalize(messagesCompletion(response), rawJSON(raw))
	c.recordOutcome(req, attempts, body, auditResponse(raw, result), result)
	return c.finish(req, result)
}

func (c *AnthropicClient) buildRequest(req *Request) anthropic.MessagesRequest {
	return anthropic.MessagesRequest{
		Model: anthropic.Model(c.cfg.Model),
		Messages: []anthropic.Message{
			{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewTextMessageContent(UserPrompt(req.Payload)),
				},
			},
		},
		System:    SystemPrompt(req.Encoding),
		MaxTokens: c.maxTokens,
	}
}

// callAPI makes one Messages API call through the given HTTP client
func (c *AnthropicClient) callAPI(ctx context.Context, httpClient *http.Client, request anthropic.MessagesRequest) (anthropic.MessagesResponse, error) {
	client := anthropic.NewClient(
		strings.TrimSpace(c.cfg.APIKey),
		anthropic.WithBaseURL(strings.TrimSuffix(c.cfg.Endpoint, "/")),
		anthropic.WithHTTPClient(httpClient),
	)

	response, err := client.CreateMessages(ctx, request)
	if err != nil {
		return anthropic.MessagesResponse{}, internalerrors.Wrapf(err, "API call failed")
	}
	return response, nil
}

// messagesCompletion concatenates the text blocks of a Messages response.
func messagesCompletion(response anthropic.MessagesResponse) completion {
	stop := string(response.StopReason)
	c := completion{
		FinishReason: stop,
		Truncated:    stop == anthropicStopMaxTokens,
	}
	if len(response.Content) == 0 {
		c.Missing = "Missing 'content' in API response"
		return c
	}

	var text strings.Builder
	for _, content := range response.Content {
		if content.Type == "text" && content.Text != nil {
			text.WriteString(*content.Text)
		}
	}
	c.Text = text.String()
	if c.Text == "" {
		c.Missing = "No text content blocks in API response"
	}
	return c
}

// GetModelInfo returns information about the configured model
func (c *AnthropicClient) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":         c.cfg.Model,
		"provider":      c.name,
		"max_tokens":    c.maxTokens,
		"endpoint":      c.cfg.Endpoint,
		"context_limit": 200000,
	}
}

// GetProviderName returns the name of the provider
func (c *AnthropicClient) GetProviderName() string {
	return c.name
}

// Ensure AnthropicClient implements Provider interface
var _ Provider = (*AnthropicClient)(nil)
