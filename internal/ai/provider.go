package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/olegiv/weblog-scanner/internal/audit"
	"github.com/olegiv/weblog-scanner/internal/logging"
)

// Provider is one AI vendor able to analyze a log payload.
// Call never panics and never returns nil: every failure is an error Result.
type Provider interface {
	// Call sends the payload to the vendor and normalizes the answer
	Call(ctx context.Context, req *Request) *Result

	// GetModelInfo returns information about the configured model
	GetModelInfo() map[string]interface{}

	// GetProviderName returns the name of the provider (e.g., "Gemini", "OpenRouter")
	GetProviderName() string
}

// ProviderType represents the type of AI provider
type ProviderType string

const (
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderAnthropic  ProviderType = "anthropic"
)

// ValidProviderTypes returns a list of valid provider types
func ValidProviderTypes() []ProviderType {
	return []ProviderType{ProviderGemini, ProviderOpenRouter, ProviderAnthropic}
}

// IsValidProviderType checks if the given provider type is valid
func IsValidProviderType(pt string) bool {
	_, err := ParseProviderType(pt)
	return err == nil
}

// ParseProviderType resolves a configuration value to a provider type.
func ParseProviderType(s string) (ProviderType, error) {
	normalized := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range ValidProviderTypes() {
		if normalized == valid {
			return valid, nil
		}
	}
	names := make([]string, 0, len(ValidProviderTypes()))
	for _, valid := range ValidProviderTypes() {
		names = append(names, string(valid))
	}
	return "", fmt.Errorf("unsupported AI provider %q (valid: %s)", s, strings.Join(names, ", "))
}

// PayloadEncoding is the transport encoding applied to the log text.
type PayloadEncoding string

const (
	EncodingPlain  PayloadEncoding = "plain"
	EncodingBase64 PayloadEncoding = "base64"
)

// ParsePayloadEncoding resolves a configuration value. Empty means plain.
func ParsePayloadEncoding(s string) (PayloadEncoding, error) {
	switch PayloadEncoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingPlain, "none":
		return EncodingPlain, nil
	case EncodingBase64:
		return EncodingBase64, nil
	}
	return "", fmt.Errorf("unsupported payload encoding %q (valid: plain, base64)", s)
}

// EncodePayload applies enc to text.
func EncodePayload(text string, enc PayloadEncoding) string {
	if enc == EncodingBase64 {
		return base64.StdEncoding.EncodeToString([]byte(text))
	}
	return text
}

// Proxy holds per-scheme proxy URLs, mirroring the usual http/https proxy map.
type Proxy struct {
	HTTP  string
	HTTPS string
}

// IsZero reports whether no proxy is configured.
func (p Proxy) IsZero() bool {
	return p.HTTP == "" && p.HTTPS == ""
}

// ForScheme returns the proxy URL for a target scheme.
func (p Proxy) ForScheme(scheme string) string {
	if strings.EqualFold(scheme, "https") {
		return p.HTTPS
	}
	return p.HTTP
}

// Request is one analysis call.
type Request struct {
	LogType  string
	Payload  string
	Encoding PayloadEncoding
	Proxy    Proxy
	RunID    string // correlates audit entries of one scan cycle
}

// ClientConfig holds the settings shared by every provider client.
type ClientConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	MaxTokens      int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	UserAgent      string

	// HTTPClient replaces the per-call transport (and its proxy handling). Tests only.
	HTTPClient *http.Client

	Audit  audit.Recorder
	Logger *logging.SecureLogger
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 120 * time.Second
	defaultUserAgent      = "WeblogScanner/1.0"
)

func (c *ClientConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Audit == nil {
		c.Audit = audit.Nop{}
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
}

// placeholderMarkers flag endpoint templates that were never filled in.
var placeholderMarkers = []string{"YOUR_", "{", "}", "<", ">"}

// checkCredentials rejects a missing or placeholder API key.
func checkCredentials(provider, apiKey, placeholder string) *Failure {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return &Failure{Kind: ErrorKindConfiguration, Message: fmt.Sprintf("%s API key is not configured", provider)}
	}
	if key == placeholder {
		return &Failure{Kind: ErrorKindConfiguration, Message: fmt.Sprintf("%s API key is still the placeholder %s", provider, placeholder)}
	}
	return nil
}

// checkEndpoint rejects a missing, relative or unresolved endpoint URL.
func checkEndpoint(provider, endpoint string) *Failure {
	if endpoint == "" {
		return &Failure{Kind: ErrorKindConfiguration, Message: fmt.Sprintf("%s API URL is not configured", provider)}
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(endpoint, marker) {
			return &Failure{Kind: ErrorKindConfiguration, Message: fmt.Sprintf("%s API URL contains unresolved placeholder %q", provider, marker)}
		}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &Failure{Kind: ErrorKindConfiguration, Message: fmt.Sprintf("%s API URL must be an absolute http(s) URL", provider)}
	}
	return nil
}
