package notification

import (
	"fmt"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/olegiv/weblog-scanner/internal/ai"
	internalerrors "github.com/olegiv/weblog-scanner/internal/errors"
	"github.com/olegiv/weblog-scanner/internal/report"
)

const (
	maxMessageLength = 4096
	// minMessageInterval is the minimum time between messages to the same channel
	// to avoid Telegram rate limits
	minMessageInterval = 1 * time.Second
	// maxRetries is the maximum number of retry attempts for sending messages
	maxRetries = 3
	// baseRetryDelay is the initial delay between retries (doubles each attempt)
	baseRetryDelay = 2 * time.Second
	// maxLogLinesPerFinding caps how many related lines are quoted per finding
	maxLogLinesPerFinding = 3
)

// sender is the part of tgbotapi.BotAPI used for delivery.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramClient sends alert digests for severe findings and failed analyses.
type TelegramClient struct {
	bot             sender
	botName         string
	alertsChannel   int64
	minSeverity     ai.Severity
	hostname        string
	lastMessageTime time.Time
	sleep           func(time.Duration)
}

// NewTelegramClient creates a new Telegram client
func NewTelegramClient(botToken string, alertsChannel int64, minSeverity ai.Severity) (*TelegramClient, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		// The token is part of the request URL
		return nil, internalerrors.Wrapf(err, "failed to create Telegram bot")
	}

	client := newClient(bot, alertsChannel, minSeverity)
	client.botName = bot.Self.UserName
	return client, nil
}

func newClient(bot sender, alertsChannel int64, minSeverity ai.Severity) *TelegramClient {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &TelegramClient{
		bot:           bot,
		alertsChannel: alertsChannel,
		minSeverity:   ai.ParseSeverity(string(minSeverity)),
		hostname:      hostname,
		sleep:         time.Sleep,
	}
}

// SendScanAlert sends a digest of the cycle when it contains findings at or
// above the configured severity or failed analyses. It reports whether a
// message was sent.
func (t *TelegramClient) SendScanAlert(cycle report.Cycle) (bool, error) {
	message, ok := t.formatAlert(cycle)
	if !ok {
		return false, nil
	}
	if err := t.sendToChannel(t.alertsChannel, message); err != nil {
		return false, fmt.Errorf("failed to send to alerts channel: %w", err)
	}
	return true, nil
}

// formatAlert builds the MarkdownV2 digest. The second value is false when
// nothing in the cycle warrants an alert.
func (t *TelegramClient) formatAlert(cycle report.Cycle) (string, bool) {
	var body strings.Builder
	alerting := 0

	for _, res := range cycle.Results {
		if res == nil {
			continue
		}
		logType := report.DisplayLogType(res.LogType)

		if f := res.Failure; f != nil {
			alerting++
			body.WriteString(fmt.Sprintf("❌ *%s*\n", escapeMarkdown(logType)))
			body.WriteString(fmt.Sprintf("Analysis failed \\(%s\\)\\: %s\n\n",
				escapeMarkdown(string(f.Kind)), escapeMarkdown(f.Message)))
			continue
		}

		findings := res.FindingsAtLeast(t.minSeverity)
		if len(findings) == 0 {
			continue
		}
		alerting++
		body.WriteString(fmt.Sprintf("%s *%s* \\(%d\\)\n", severityEmoji(res.MaxSeverity()), escapeMarkdown(logType), len(findings)))
		for i, f := range findings {
			body.WriteString(fmt.Sprintf("%d\\. *%s* %s\n", i+1,
				escapeMarkdown(strings.ToUpper(string(f.Level()))), escapeMarkdown(f.Description)))
			if f.Recommendation != "" {
				body.WriteString(fmt.Sprintf("   💡 %s\n", escapeMarkdown(f.Recommendation)))
			}
			for j, line := range f.LogLines {
				if j == maxLogLinesPerFinding {
					body.WriteString(fmt.Sprintf("   \\.\\.\\. %d more\n", len(f.LogLines)-j))
					break
				}
				body.WriteString(fmt.Sprintf("   `%s`\n", escapeCode(strings.TrimRight(line, "\r\n"))))
			}
		}
		if s := res.Summary(); s != "" {
			body.WriteString(fmt.Sprintf("📊 %s\n", escapeMarkdown(s)))
		}
		body.WriteString("\n")
	}

	if alerting == 0 {
		return "", false
	}

	started := cycle.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	var msg strings.Builder
	msg.WriteString("🚨 *Web Log Security Alert*\n")
	msg.WriteString(fmt.Sprintf("🖥 Host\\: %s\n", escapeMarkdown(t.hostname)))
	msg.WriteString(fmt.Sprintf("📅 Date\\: %s\n", escapeMarkdown(started.Format("2006-01-02 15:04:05 MST"))))
	if cycle.Provider != "" {
		msg.WriteString(fmt.Sprintf("🤖 Provider\\: %s\n", escapeMarkdown(cycle.Provider)))
	}
	msg.WriteString(fmt.Sprintf("🎚 Threshold\\: %s\n\n", escapeMarkdown(string(t.minSeverity))))
	msg.WriteString(body.String())
	if cycle.RunID != "" {
		msg.WriteString(fmt.Sprintf("Run `%s`", escapeCode(cycle.RunID)))
	}
	return msg.String(), true
}

func severityEmoji(s ai.Severity) string {
	switch s {
	case ai.SeverityCritical:
		return "🔴"
	case ai.SeverityHigh:
		return "🟠"
	case ai.SeverityMedium:
		return "🟡"
	case ai.SeverityLow:
		return "🔵"
	default:
		return "⚪"
	}
}

// sendToChannel sends a message to a Telegram channel with rate limiting
func (t *TelegramClient) sendToChannel(channelID int64, message string) error {
	// Split message if it exceeds Telegram's limit
	messages := t.splitMessage(message)

	for _, msg := range messages {
		t.waitForRateLimit()

		msgConfig := tgbotapi.NewMessage(channelID, msg)
		msgConfig.ParseMode = "MarkdownV2"

		if err := t.sendWithRetry(msgConfig); err != nil {
			return err
		}

		t.lastMessageTime = time.Now()
	}

	return nil
}

// waitForRateLimit ensures minimum interval between messages
func (t *TelegramClient) waitForRateLimit() {
	if t.lastMessageTime.IsZero() {
		return
	}

	elapsed := time.Since(t.lastMessageTime)
	if elapsed < minMessageInterval {
		t.sleep(minMessageInterval - elapsed)
	}
}

// sendWithRetry sends a message with exponential backoff retry
func (t *TelegramClient) sendWithRetry(msgConfig tgbotapi.MessageConfig) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := t.bot.Send(msgConfig)
		if err == nil {
			return nil
		}

		lastErr = err

		if isRateLimitError(err) {
			if retryAfter := extractRetryAfter(err); retryAfter > 0 && attempt < maxRetries {
				t.sleep(time.Duration(retryAfter) * time.Second)
				continue
			}
		}

		if attempt < maxRetries {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1)) // 2s, 4s, 8s...
			t.sleep(delay)
		}
	}

	return internalerrors.Wrapf(lastErr, "failed to send message after %d retries", maxRetries)
}

// isRateLimitError checks if the error is a Telegram rate limit error (429)
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") || strings.Contains(errStr, "Too Many Requests")
}

// extractRetryAfter extracts the retry_after value from a rate limit error
func extractRetryAfter(err error) int {
	if err == nil {
		return 0
	}

	// Example: "Too Many Requests: retry after 30"
	errStr := err.Error()
	if idx := strings.Index(strings.ToLower(errStr), "retry after "); idx != -1 {
		remaining := errStr[idx+len("retry after "):]
		var seconds int
		if _, err := fmt.Sscanf(remaining, "%d", &seconds); err == nil {
			return seconds
		}
	}

	// Conservative default when the value is missing
	return 30
}

// splitMessage splits a long message into multiple messages
func (t *TelegramClient) splitMessage(message string) []string {
	if len(message) <= maxMessageLength {
		return []string{message}
	}

	var messages []string
	lines := strings.Split(message, "\n")
	var currentMsg strings.Builder

	for _, line := range lines {
		if currentMsg.Len()+len(line)+1 > maxMessageLength {
			if currentMsg.Len() > 0 {
				messages = append(messages, currentMsg.String())
				currentMsg.Reset()
			}

			// A single oversized line is cut into chunks
			if len(line) > maxMessageLength {
				for i := 0; i < len(line); i += maxMessageLength {
					end := i + maxMessageLength
					if end > len(line) {
						end = len(line)
					}
					messages = append(messages, line[i:end])
				}
				continue
			}
		}

		currentMsg.WriteString(line)
		currentMsg.WriteString("\n")
	}

	if currentMsg.Len() > 0 {
		messages = append(messages, currentMsg.String())
	}

	return messages
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2
func escapeMarkdown(text string) string {
	// See: https://core.telegram.org/bots/api#markdownv2-style
	specialChars := []string{
		"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!", ":",
	}

	result := text
	for _, char := range specialChars {
		result = strings.ReplaceAll(result, char, "\\"+char)
	}

	return result
}

// escapeCode escapes text placed inside an inline code span.
func escapeCode(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	return strings.ReplaceAll(text, "`", "\\`")
}

// GetBotInfo returns information about the bot
func (t *TelegramClient) GetBotInfo() map[string]interface{} {
	return map[string]interface{}{
		"username":       t.botName,
		"alerts_channel": t.alertsChannel,
		"min_severity":   string(t.minSeverity),
		"hostname":       t.hostname,
	}
}

// Close closes the Telegram client
func (t *TelegramClient) Close() error {
	if bot, ok := t.bot.(*tgbotapi.BotAPI); ok {
		bot.StopReceivingUpdates()
	}
	return nil
}
