package ai

import (
	"regexp"
	"strings"
	"unicode"
)

// userPromptPrefix introduces the log payload in the user turn.
const userPromptPrefix = "Please analyze the following log data:\n\n"

const base64Preamble = `The user will provide a Base64 encoded string containing server logs.
Your first step is to decode this Base64 string to get the plain text server logs.
Then analyze the DECODED logs. Quote DECODED lines in "log_lines".

`

const systemPromptBody = `You are a senior security analyst specializing in Nginx, PHP-FPM and web application logs. Your task is to detect intrusion attempts, malicious activity and operational problems in the log excerpt you are given.

**Look for:**
- Injection attempts (SQL, command, template, path traversal, LFI/RFI)
- Scanners, brute force and credential stuffing
- Exploitation of known CMS or framework endpoints
- Suspicious user agents, request bursts, and unusual status code patterns
- PHP fatal errors, upstream failures and resource exhaustion

**Output Requirements:**

Respond ONLY with a single valid JSON object, structured as follows:

{
  "findings": [
    {
      "severity": "critical | high | medium | low | info",
      "description": "What was found and why it matters.",
      "recommendation": "Suggested action (optional).",
      "log_lines": ["Relevant original log lines, at most 5."]
    }
  ],
  "summary": "Overall summary of the analysis."
}

If no issues are found, "findings" must be an empty array and "summary" should state that the logs look normal.
Only report what is present in the logs. Do not wrap the JSON in markdown.`

// SystemPrompt returns the analyst instruction for the given payload encoding.
func SystemPrompt(enc PayloadEncoding) string {
	if enc == EncodingBase64 {
		return base64Preamble + systemPromptBody
	}
	return systemPromptBody
}

// UserPrompt wraps the (possibly encoded) payload as the user turn.
func UserPrompt(payload string) string {
	return userPromptPrefix + payload
}

// promptInjectionPatterns contains regex patterns for common prompt injection attempts
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
	regexp.MustCompile(`(?i)new\s+instructions?:`),
	regexp.MustCompile(`(?i)system\s*prompt\s*:`),
	regexp.MustCompile(`(?i)\bASSISTANT\s*:`),
	regexp.MustCompile(`(?i)\bHUMAN\s*:`),
	regexp.MustCompile(`(?i)\bUSER\s*:`),
	regexp.MustCompile(`(?i)\bSYSTEM\s*:`),
}

var excessiveNewlines = regexp.MustCompile(`\n{4,}`)

// SanitizeLogContent filters log text before it is sent to a model.
// Access logs carry attacker-controlled strings (paths, user agents,
// referers), so this removes:
// - Non-printable characters (except newlines, tabs, carriage returns)
// - Common prompt injection patterns
// - Excessive blank lines
func SanitizeLogContent(content string) string {
	var sanitized strings.Builder
	sanitized.Grow(len(content))

	for _, r := range content {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	for _, pattern := range promptInjectionPatterns {
		result = pattern.ReplaceAllString(result, "[FILTERED]")
	}

	return excessiveNewlines.ReplaceAllString(result, "\n\n\n")
}
