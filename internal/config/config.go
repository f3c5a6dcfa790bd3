package config

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/olegiv/weblog-scanner/internal/analyzer"
	"github.com/olegiv/weblog-scanner/internal/audit"
	"github.com/olegiv/weblog-scanner/internal/logging"
	"github.com/spf13/viper"
)

// CLIOptions holds command-line overrides. Empty/zero fields leave the
// environment value in place.
type CLIOptions struct {
	EnvFile         string // --env-file: dotenv file to load (default ./.env if present)
	Provider        string // --provider: gemini, openrouter, anthropic
	StreamsConfig   string // --streams: path to streams.yaml
	ReportPath      string // --report: output HTML path
	IntervalSeconds int    // --interval: scan interval
	ListenAddr      string // --listen: HTTP listen address
}

// Config holds all application configuration
type Config struct {
	// AI provider selection; an unknown value is reported per call, not at load
	AIProvider string

	// Gemini
	GeminiAPIKey    string
	GeminiAPIURL    string
	GeminiMaxTokens int

	// OpenRouter
	OpenRouterAPIKey    string
	OpenRouterAPIURL    string
	OpenRouterModel     string
	OpenRouterMaxTokens int
	OpenRouterReferer   string

	// Anthropic
	AnthropicAPIKey    string
	AnthropicAPIURL    string
	ClaudeModel        string
	AnthropicMaxTokens int

	// Transport
	AIConnectTimeoutSeconds int
	AIReadTimeoutSeconds    int
	AIMaxRetries            int
	AIRetryDelaySeconds     int
	AIPayloadEncoding       string
	SanitizeLogContent      bool
	MaxPayloadTokens        int // 0 disables trimming

	// Proxy
	HTTPProxy  string
	HTTPSProxy string

	// Log streams
	Streams           []StreamConfig
	StreamsConfigPath string // set when streams came from streams.yaml
	MaxLogSizeMB      int

	// Scanning
	ScanIntervalSeconds  int
	WatchLogFiles        bool
	WatchDebounceSeconds int

	// Report
	ReportHTMLPath    string
	ReportHistoryRuns int

	// Call audit log
	LogAIAPICalls bool
	AIAPILogPath  string

	// History database
	EnableDatabase bool
	DatabasePath   string
	RetentionDays  int

	// Service status probe
	EnableServiceStatusCheck bool
	ServiceName              string
	HealthUseSystemctl       bool

	// Telegram alerts (optional)
	TelegramBotToken      string
	TelegramAlertsChannel int64
	AlertMinSeverity      string

	// HTTP server (optional)
	HTTPListenAddr string

	// Application logging
	LogLevel string
	LogDir   string
}

// Load loads configuration from .env and the environment.
// For CLI overrides, use LoadWithCLI instead
func Load() (*Config, error) {
	return LoadWithCLI(nil)
}

// LoadWithCLI loads configuration with CLI argument overrides
// Priority: CLI args > OS environment variables > .env file > defaults
func LoadWithCLI(cli *CLIOptions) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// godotenv never overrides variables that are already set.
	if cli != nil && cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", cli.EnvFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	setDefaults(v)

	config := &Config{
		AIProvider: v.GetString("AI_PROVIDER"),

		GeminiAPIKey:    v.GetString("GEMINI_API_KEY"),
		GeminiAPIURL:    v.GetString("GEMINI_API_URL"),
		GeminiMaxTokens: v.GetInt("GEMINI_MAX_OUTPUT_TOKENS"),

		OpenRouterAPIKey:    v.GetString("OPENROUTER_API_KEY"),
		OpenRouterAPIURL:    v.GetString("OPENROUTER_API_URL"),
		OpenRouterModel:     v.GetString("OPENROUTER_MODEL"),
		OpenRouterMaxTokens: v.GetInt("OPENROUTER_MAX_OUTPUT_TOKENS"),
		OpenRouterReferer:   v.GetString("OPENROUTER_REFERER"),

		AnthropicAPIKey:    v.GetString("ANTHROPIC_API_KEY"),
		AnthropicAPIURL:    v.GetString("ANTHROPIC_API_URL"),
		ClaudeModel:        v.GetString("CLAUDE_MODEL"),
		AnthropicMaxTokens: v.GetInt("ANTHROPIC_MAX_OUTPUT_TOKENS"),

		AIConnectTimeoutSeconds: v.GetInt("AI_CONNECT_TIMEOUT_SECONDS"),
		AIReadTimeoutSeconds:    v.GetInt("AI_READ_TIMEOUT_SECONDS"),
		AIMaxRetries:            v.GetInt("AI_MAX_RETRIES"),
		AIRetryDelaySeconds:     v.GetInt("AI_RETRY_DELAY_SECONDS"),
		AIPayloadEncoding:       v.GetString("AI_PAYLOAD_ENCODING"),
		SanitizeLogContent:      v.GetBool("SANITIZE_LOG_CONTENT"),
		MaxPayloadTokens:        v.GetInt("MAX_PAYLOAD_TOKENS"),

		HTTPProxy:  v.GetString("HTTP_PROXY"),
		HTTPSProxy: v.GetString("HTTPS_PROXY"),

		MaxLogSizeMB: v.GetInt("MAX_LOG_SIZE_MB"),

		ScanIntervalSeconds:  v.GetInt("SCAN_INTERVAL_SECONDS"),
		WatchLogFiles:        v.GetBool("WATCH_LOG_FILES"),
		WatchDebounceSeconds: v.GetInt("WATCH_DEBOUNCE_SECONDS"),

		ReportHTMLPath:    v.GetString("REPORT_HTML_PATH"),
		ReportHistoryRuns: v.GetInt("REPORT_HISTORY_RUNS"),

		LogAIAPICalls: v.GetBool("LOG_AI_API_CALLS"),
		AIAPILogPath:  v.GetString("AI_API_LOG_PATH"),

		EnableDatabase: v.GetBool("ENABLE_DATABASE"),
		DatabasePath:   v.GetString("DATABASE_PATH"),
		RetentionDays:  v.GetInt("RETENTION_DAYS"),

		EnableServiceStatusCheck: v.GetBool("ENABLE_SERVICE_STATUS_CHECK"),
		ServiceName:              v.GetString("SERVICE_NAME"),
		HealthUseSystemctl:       v.GetBool("HEALTH_USE_SYSTEMCTL"),

		TelegramBotToken:      v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramAlertsChannel: v.GetInt64("TELEGRAM_CHANNEL_ALERTS_ID"),
		AlertMinSeverity:      v.GetString("ALERT_MIN_SEVERITY"),

		HTTPListenAddr: v.GetString("HTTP_LISTEN_ADDR"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogDir:   v.GetString("LOG_DIR"),
	}

	streamsPath := v.GetString("STREAMS_CONFIG")

	// Apply CLI overrides (highest priority)
	if cli != nil {
		if cli.Provider != "" {
			config.AIProvider = cli.Provider
		}
		if cli.StreamsConfig != "" {
			streamsPath = cli.StreamsConfig
		}
		if cli.ReportPath != "" {
			config.ReportHTMLPath = cli.ReportPath
		}
		if cli.IntervalSeconds > 0 {
			config.ScanIntervalSeconds = cli.IntervalSeconds
		}
		if cli.ListenAddr != "" {
			config.HTTPListenAddr = cli.ListenAddr
		}
	}

	if err := config.applyStreams(v, streamsPath); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// applyStreams loads streams.yaml when one is configured or found, and
// otherwise builds the three default streams from the *_LOG_PATH keys.
func (c *Config) applyStreams(v *viper.Viper, streamsPath string) error {
	streamsConfig, foundPath, err := LoadStreamsConfig(streamsPath)
	if err != nil {
		return fmt.Errorf("failed to load streams config: %w", err)
	}

	lines := v.GetInt("LOG_LINES_TO_READ")
	if streamsConfig != nil {
		c.Streams = streamsConfig.EnabledStreams(lines)
		c.StreamsConfigPath = foundPath
		return nil
	}

	c.Streams = DefaultStreams(
		v.GetString("NGINX_ACCESS_LOG_PATH"),
		v.GetString("NGINX_ERROR_LOG_PATH"),
		v.GetString("PHP_FPM_LOG_PATH"),
		lines,
	)
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// AI provider defaults
	v.SetDefault("AI_PROVIDER", string(ai.ProviderOpenRouter))
	v.SetDefault("GEMINI_API_URL", ai.DefaultGeminiEndpoint)
	v.SetDefault("GEMINI_MAX_OUTPUT_TOKENS", 2048)
	v.SetDefault("OPENROUTER_API_URL", ai.DefaultOpenRouterEndpoint)
	v.SetDefault("OPENROUTER_MODEL", ai.DefaultOpenRouterModel)
	v.SetDefault("OPENROUTER_MAX_OUTPUT_TOKENS", 2048)
	v.SetDefault("ANTHROPIC_API_URL", ai.DefaultAnthropicEndpoint)
	v.SetDefault("CLAUDE_MODEL", ai.DefaultAnthropicModel)
	v.SetDefault("ANTHROPIC_MAX_OUTPUT_TOKENS", 2048)

	// Transport defaults
	v.SetDefault("AI_CONNECT_TIMEOUT_SECONDS", 30)
	v.SetDefault("AI_READ_TIMEOUT_SECONDS", 120)
	v.SetDefault("AI_MAX_RETRIES", 3)
	v.SetDefault("AI_RETRY_DELAY_SECONDS", 5)
	v.SetDefault("AI_PAYLOAD_ENCODING", string(ai.EncodingBase64))
	v.SetDefault("SANITIZE_LOG_CONTENT", true)
	v.SetDefault("MAX_PAYLOAD_TOKENS", 0)

	// Log stream defaults
	v.SetDefault("NGINX_ACCESS_LOG_PATH", "/var/log/nginx/access.log")
	v.SetDefault("NGINX_ERROR_LOG_PATH", "/var/log/nginx/error.log")
	v.SetDefault("PHP_FPM_LOG_PATH", "/var/log/php-fpm/error.log")
	v.SetDefault("LOG_LINES_TO_READ", 50)
	v.SetDefault("MAX_LOG_SIZE_MB", 10)

	// Scan defaults
	v.SetDefault("SCAN_INTERVAL_SECONDS", 300)
	v.SetDefault("WATCH_LOG_FILES", false)
	v.SetDefault("WATCH_DEBOUNCE_SECONDS", 10)

	// Output defaults
	v.SetDefault("REPORT_HTML_PATH", "./data/report.html")
	v.SetDefault("REPORT_HISTORY_RUNS", 20)
	v.SetDefault("LOG_AI_API_CALLS", true)
	v.SetDefault("AI_API_LOG_PATH", "./data/ai_api_log.jsonl")
	v.SetDefault("ENABLE_DATABASE", true)
	v.SetDefault("DATABASE_PATH", "./data/results.db")
	v.SetDefault("RETENTION_DAYS", 90)

	// Health probe defaults
	v.SetDefault("ENABLE_SERVICE_STATUS_CHECK", false)
	v.SetDefault("SERVICE_NAME", "nginx")
	v.SetDefault("HEALTH_USE_SYSTEMCTL", true)

	// Alerts and application
	v.SetDefault("ALERT_MIN_SEVERITY", string(ai.SeverityHigh))
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DIR", "./logs")
}

var telegramTokenRegex = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validate validates the configuration. Provider credentials are not
// checked here: Warnings reports them and each call turns them into an
// error Result.
func (c *Config) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one log stream must be configured")
	}
	for _, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	// Validate max log size
	if c.MaxLogSizeMB < 1 || c.MaxLogSizeMB > 1024 {
		return fmt.Errorf("MAX_LOG_SIZE_MB must be between 1 and 1024")
	}

	// Validate transport settings
	if c.AIConnectTimeoutSeconds < 1 || c.AIConnectTimeoutSeconds > 600 {
		return fmt.Errorf("AI_CONNECT_TIMEOUT_SECONDS must be between 1 and 600")
	}
	if c.AIReadTimeoutSeconds < 1 || c.AIReadTimeoutSeconds > 600 {
		return fmt.Errorf("AI_READ_TIMEOUT_SECONDS must be between 1 and 600")
	}
	if c.AIMaxRetries < 1 || c.AIMaxRetries > 10 {
		return fmt.Errorf("AI_MAX_RETRIES must be between 1 and 10")
	}
	if c.AIRetryDelaySeconds < 0 || c.AIRetryDelaySeconds > 300 {
		return fmt.Errorf("AI_RETRY_DELAY_SECONDS must be between 0 and 300")
	}
	if _, err := ai.ParsePayloadEncoding(c.AIPayloadEncoding); err != nil {
		return fmt.Errorf("AI_PAYLOAD_ENCODING: %w", err)
	}
	if c.MaxPayloadTokens < 0 {
		return fmt.Errorf("MAX_PAYLOAD_TOKENS must not be negative")
	}
	if err := validateProxy("HTTP_PROXY", c.HTTPProxy); err != nil {
		return err
	}
	if err := validateProxy("HTTPS_PROXY", c.HTTPSProxy); err != nil {
		return err
	}

	// Validate scan scheduling
	if c.ScanIntervalSeconds < 1 {
		return fmt.Errorf("SCAN_INTERVAL_SECONDS must be at least 1")
	}
	if c.WatchLogFiles && c.WatchDebounceSeconds < 0 {
		return fmt.Errorf("WATCH_DEBOUNCE_SECONDS must not be negative")
	}

	// Validate outputs
	if c.ReportHTMLPath == "" {
		return fmt.Errorf("REPORT_HTML_PATH is required")
	}
	if c.ReportHistoryRuns < 1 {
		return fmt.Errorf("REPORT_HISTORY_RUNS must be at least 1")
	}
	if c.LogAIAPICalls && c.AIAPILogPath == "" {
		return fmt.Errorf("AI_API_LOG_PATH is required when LOG_AI_API_CALLS is enabled")
	}
	if c.EnableDatabase && c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required when ENABLE_DATABASE is enabled")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if c.EnableServiceStatusCheck && strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("SERVICE_NAME is required when ENABLE_SERVICE_STATUS_CHECK is enabled")
	}

	// Telegram is optional, but if a token is set it must be usable
	if c.TelegramBotToken != "" {
		if !telegramTokenRegex.MatchString(c.TelegramBotToken) {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN has invalid format (expected: 'number:token')")
		}
		if c.TelegramAlertsChannel == 0 {
			return fmt.Errorf("TELEGRAM_CHANNEL_ALERTS_ID is required when TELEGRAM_BOT_TOKEN is set")
		}
	}
	if c.TelegramAlertsChannel != 0 && c.TelegramAlertsChannel > -100 {
		return fmt.Errorf("TELEGRAM_CHANNEL_ALERTS_ID must be a supergroup/channel ID (starts with -100)")
	}
	if !isKnownSeverity(c.AlertMinSeverity) {
		return fmt.Errorf("ALERT_MIN_SEVERITY must be one of: critical, high, medium, low, info")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	return nil
}

// Warnings lists problems that do not stop the scanner but will make
// every analysis call fail or behave unexpectedly.
func (c *Config) Warnings() []string {
	var warnings []string

	pt, err := ai.ParseProviderType(c.AIProvider)
	if err != nil {
		return append(warnings, fmt.Sprintf("AI_PROVIDER: %v; every analysis will report a configuration error", err))
	}

	key, keyName, placeholder, endpoint, endpointName := c.providerCredentials(pt)
	switch {
	case strings.TrimSpace(key) == "":
		warnings = append(warnings, fmt.Sprintf("%s is not set", keyName))
	case key == placeholder:
		warnings = append(warnings, fmt.Sprintf("%s is still the placeholder value", keyName))
	}
	if containsPlaceholder(endpoint) {
		warnings = append(warnings, fmt.Sprintf("%s contains an unresolved placeholder", endpointName))
	}

	// Key prefixes are hints only; compared in constant time
	if pt == ai.ProviderAnthropic && key != "" && key != placeholder && !constantTimePrefixMatch(key, "sk-ant-") {
		warnings = append(warnings, "ANTHROPIC_API_KEY does not start with 'sk-ant-'")
	}
	if pt == ai.ProviderOpenRouter && key != "" && key != placeholder && !constantTimePrefixMatch(key, "sk-or-") {
		warnings = append(warnings, "OPENROUTER_API_KEY does not start with 'sk-or-'")
	}

	return warnings
}

func (c *Config) providerCredentials(pt ai.ProviderType) (key, keyName, placeholder, endpoint, endpointName string) {
	switch pt {
	case ai.ProviderGemini:
		return c.GeminiAPIKey, "GEMINI_API_KEY", "YOUR_GEMINI_API_KEY", c.GeminiAPIURL, "GEMINI_API_URL"
	case ai.ProviderAnthropic:
		return c.AnthropicAPIKey, "ANTHROPIC_API_KEY", "YOUR_ANTHROPIC_API_KEY", c.AnthropicAPIURL, "ANTHROPIC_API_URL"
	default:
		return c.OpenRouterAPIKey, "OPENROUTER_API_KEY", "YOUR_OPENROUTER_API_KEY", c.OpenRouterAPIURL, "OPENROUTER_API_URL"
	}
}

func containsPlaceholder(s string) bool {
	for _, marker := range []string{"YOUR_", "{", "}", "<", ">"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func isKnownSeverity(s string) bool {
	sev := ai.Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev != "" && ai.ParseSeverity(string(sev)) == sev
}

func validateProxy(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL (got: %s)", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https (got: %s)", name, u.Scheme)
	}
	return nil
}

// HasAlertsChannel returns true if Telegram alerts are configured
func (c *Config) HasAlertsChannel() bool {
	return c.TelegramBotToken != "" && c.TelegramAlertsChannel != 0
}

// GetProxyURL returns the appropriate proxy URL for HTTP/HTTPS requests
func (c *Config) GetProxyURL(isHTTPS bool) string {
	if isHTTPS && c.HTTPSProxy != "" {
		return c.HTTPSProxy
	}
	if c.HTTPProxy != "" {
		return c.HTTPProxy
	}
	return ""
}

// Proxy returns the per-scheme proxy passed through with every request.
func (c *Config) Proxy() ai.Proxy {
	return ai.Proxy{HTTP: c.GetProxyURL(false), HTTPS: c.GetProxyURL(true)}
}

// Encoding returns the validated payload encoding.
func (c *Config) Encoding() ai.PayloadEncoding {
	enc, err := ai.ParsePayloadEncoding(c.AIPayloadEncoding)
	if err != nil {
		return ai.EncodingPlain
	}
	return enc
}

// AlertSeverity returns the minimum severity that triggers an alert.
func (c *Config) AlertSeverity() ai.Severity {
	return ai.ParseSeverity(c.AlertMinSeverity)
}

// ScanInterval returns the time between scheduled scans.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// WatchDebounce returns how long file events are coalesced before a scan.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceSeconds) * time.Second
}

// RouterConfig builds the provider router settings. rec and log are shared
// by whichever client is selected.
func (c *Config) RouterConfig(rec audit.Recorder, log *logging.SecureLogger) ai.RouterConfig {
	shared := ai.ClientConfig{
		ConnectTimeout: time.Duration(c.AIConnectTimeoutSeconds) * time.Second,
		ReadTimeout:    time.Duration(c.AIReadTimeoutSeconds) * time.Second,
		MaxRetries:     c.AIMaxRetries,
		RetryDelay:     time.Duration(c.AIRetryDelaySeconds) * time.Second,
	}
	if c.AIRetryDelaySeconds == 0 {
		shared.RetryDelay = -1 // immediate retries
	}

	gemini := shared
	gemini.APIKey = c.GeminiAPIKey
	gemini.Endpoint = c.GeminiAPIURL
	gemini.MaxTokens = c.GeminiMaxTokens

	openRouter := shared
	openRouter.APIKey = c.OpenRouterAPIKey
	openRouter.Endpoint = c.OpenRouterAPIURL
	openRouter.Model = c.OpenRouterModel
	openRouter.MaxTokens = c.OpenRouterMaxTokens

	anthropic := shared
	anthropic.APIKey = c.AnthropicAPIKey
	anthropic.Endpoint = c.AnthropicAPIURL
	anthropic.Model = c.ClaudeModel
	anthropic.MaxTokens = c.AnthropicMaxTokens

	return ai.RouterConfig{
		Provider:   c.AIProvider,
		Gemini:     gemini,
		OpenRouter: ai.OpenRouterConfig{ClientConfig: openRouter, Referer: c.OpenRouterReferer},
		Anthropic:  anthropic,
		Audit:      rec,
		Logger:     log,
	}
}

// StreamNames returns the configured stream names in scan order.
func (c *Config) StreamNames() []analyzer.StreamName {
	names := make([]analyzer.StreamName, 0, len(c.Streams))
	for _, s := range c.Streams {
		names = append(names, analyzer.StreamName(s.Name))
	}
	return names
}

// constantTimePrefixMatch checks if s starts with prefix using constant-time comparison.
// This prevents timing attacks that could leak information about the string content.
// Returns false if s is shorter than prefix.
func constantTimePrefixMatch(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	// Compare only the prefix portion using constant-time comparison
	return subtle.ConstantTimeCompare([]byte(s[:len(prefix)]), []byte(prefix)) == 1
}
