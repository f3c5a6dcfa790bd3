package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultGeminiEndpoint is the generateContent URL of the default model
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash-preview-05-20:generateContent"

	geminiKeyPlaceholder = "YOUR_GEMINI_API_KEY"
	geminiFinishMaxToken = "MAX_TOKENS"
	geminiBlockThreshold = "BLOCK_MEDIUM_AND_ABOVE"
)

// geminiSafetyCategories are thresholded at geminiBlockThreshold on every call.
var geminiSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GeminiClient calls the Google Generative Language generateContent API.
// The API key travels as the "key" query parameter.
type GeminiClient struct {
	baseClient
	maxTokens int
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType"`
	MaxOutputTokens  int    `json:"maxOutputTokens"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// geminiRequest is the generateContent request body
type geminiRequest struct {
	SystemInstruction geminiContent          `json:"system_instruction"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SafetySettings    []geminiSafetySetting  `json:"safetySettings"`
}

// geminiResponse is the generateContent response envelope
type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Role  string `json:"role"`
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// NewGeminiClient creates a Gemini client. Credentials and endpoint are
// validated on every Call so a misconfiguration surfaces as a Result.
func NewGeminiClient(cfg ClientConfig) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = geminiModelFromURL(cfg.Endpoint)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = geminiTokenLimits.Floor
	}

	base := newBaseClient(ProviderGemini, "Gemini", cfg)
	return &GeminiClient{
		baseClient: base,
		maxTokens:  clampMaxTokensLogged(base.log, base.name, cfg.MaxTokens, geminiTokenLimits),
	}
}

// Call analyzes req.Payload with Gemini.
func (c *GeminiClient) Call(ctx context.Context, req *Request) (result *Result) {
	defer recoverResult(c.name, &result)

	if f := checkCredentials(c.name, c.cfg.APIKey, geminiKeyPlaceholder); f != nil {
		return c.finish(req, NewFailure(f))
	}
	if f := checkEndpoint(c.name, c.cfg.Endpoint); f != nil {
		return c.finish(req, NewFailure(f))
	}

	endpoint, err := c.requestURL()
	if err != nil {
		return c.finish(req, Failf(ErrorKindConfiguration, "%s API URL is invalid: %v", c.name, err))
	}

	body := c.buildRequest(req)
	headers := map[string]string{"User-Agent": c.cfg.UserAgent}

	raw, attempts, failure := send(ctx, &c.baseClient, req, body, func(ctx context.Context, client *http.Client) ([]byte, error) {
		return postJSON(ctx, client, endpoint, headers, body)
	})
	if failure != nil {
		return c.finish(req, NewFailure(failure))
	}

	envelope, err := decodeEnvelope[geminiResponse](raw)
	if err != nil {
		result = envelopeFailure(raw, err)
		c.recordOutcome(req, attempts, body, auditResponse(raw, nil), result)
		return c.finish(req, result)
	}

	result = normalize(envelope.completion(), rawJSON(raw))
	c.recordOutcome(req, attempts, body, auditResponse(raw, result), result)
	return c.finish(req, result)
}

func (c *GeminiClient) buildRequest(req *Request) geminiRequest {
	safety := make([]geminiSafetySetting, 0, len(geminiSafetyCategories))
	for _, category := range geminiSafetyCategories {
		safety = append(safety, geminiSafetySetting{Category: category, Threshold: geminiBlockThreshold})
	}

	return geminiRequest{
		SystemInstruction: geminiContent{
			Parts: []geminiPart{{Text: SystemPrompt(req.Encoding)}},
		},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: UserPrompt(req.Payload)}}},
		},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
			MaxOutputTokens:  c.maxTokens,
		},
		SafetySettings: safety,
	}
}

// requestURL appends the API key to the configured endpoint.
func (c *GeminiClient) requestURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", strings.TrimSpace(c.cfg.APIKey))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *geminiResponse) completion() completion {
	if len(r.Candidates) == 0 {
		c := completion{Missing: "Missing 'candidates' in API response"}
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			c.FinishReason = r.PromptFeedback.BlockReason
			c.Missing = fmt.Sprintf("Prompt blocked by provider: %s", r.PromptFeedback.BlockReason)
		}
		return c
	}

	candidate := r.Candidates[0]
	c := completion{
		FinishReason: candidate.FinishReason,
		Truncated:    candidate.FinishReason == geminiFinishMaxToken,
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 || candidate.Content.Parts[0].Text == nil {
		c.Missing = "Missing 'candidates[0].content.parts[0].text' in API response"
		return c
	}
	c.Text = *candidate.Content.Parts[0].Text
	return c
}

// geminiModelFromURL extracts the model id from ".../models/<id>:generateContent".
func geminiModelFromURL(endpoint string) string {
	idx := strings.Index(endpoint, "/models/")
	if idx == -1 {
		return ""
	}
	model := endpoint[idx+len("/models/"):]
	if end := strings.IndexAny(model, ":?/"); end != -1 {
		model = model[:end]
	}
	return model
}

// GetModelInfo returns information about the configured model
func (c *GeminiClient) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":      c.cfg.Model,
		"provider":   c.name,
		"max_tokens": c.maxTokens,
		"endpoint":   c.cfg.Endpoint,
	}
}

// GetProviderName returns the name of the provider
func (c *GeminiClient) GetProviderName() string {
	return c.name
}

// Ensure GeminiClient implements Provider interface
var _ Provider = (*GeminiClient)(nil)
