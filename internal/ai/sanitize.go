package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Maximum allowed JSON response size (1MB) to prevent memory exhaustion
const maxJSONResponseSize = 1024 * 1024

const (
	jsonFence  = "```json"
	plainFence = "```"
)

// SanitizeModelOutput removes documentation-style wrapping around the JSON
// a model was asked to return: surrounding whitespace, a ```json or bare
// ``` fence, and a leading "json" language token. It never touches the
// JSON itself; if no '{' or '[' follows a language token the text is
// returned as-is and decoding fails downstream.
func SanitizeModelOutput(text string) string {
	cleaned := strings.TrimSpace(text)

	switch {
	case isFenced(cleaned, jsonFence):
		cleaned = strings.TrimSpace(cleaned[len(jsonFence) : len(cleaned)-len(plainFence)])
	case isFenced(cleaned, plainFence):
		cleaned = strings.TrimSpace(cleaned[len(plainFence) : len(cleaned)-len(plainFence)])
	}

	if hasLanguageToken(cleaned) {
		if idx := strings.IndexAny(cleaned, "{["); idx != -1 {
			cleaned = cleaned[idx:]
		}
	}

	return cleaned
}

// isFenced reports whether s opens with opener and closes with a fence
// that does not overlap it.
func isFenced(s, opener string) bool {
	return len(s) >= len(opener)+len(plainFence) &&
		strings.HasPrefix(s, opener) &&
		strings.HasSuffix(s, plainFence)
}

// hasLanguageToken reports whether s starts with the word "json" in any case.
func hasLanguageToken(s string) bool {
	return len(s) >= 4 && strings.EqualFold(s[:4], "json")
}

// modelOutput is the schema the system prompt asks models to follow.
// log_type and timestamp are optional and kept when the model sets them.
// Fields are decoded leniently: valid JSON with unexpected value types
// still yields an analysis.
type modelOutput struct {
	LogType   json.RawMessage `json:"log_type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Findings  json.RawMessage `json:"findings"`
	Summary   json.RawMessage `json:"summary"`
}

// ParseModelOutput sanitizes model text and decodes it into a success
// Result. It returns the sanitized text alongside any decode error so
// callers can attach both to an error Result. Only text that is not a
// JSON object is an error.
func ParseModelOutput(text string) (*Result, string, error) {
	cleaned := SanitizeModelOutput(text)

	if len(cleaned) > maxJSONResponseSize {
		return nil, cleaned, fmt.Errorf("JSON response too large: %d bytes (max: %d)", len(cleaned), maxJSONResponseSize)
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, cleaned, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if !strings.HasPrefix(cleaned, "{") {
		return nil, cleaned, fmt.Errorf("failed to parse JSON response: expected an object")
	}

	findings, warning := decodeFindings(out.Findings)
	result := NewSuccess(findings, jsonText(out.Summary))
	if warning != "" {
		result.Analysis.Warnings = append(result.Analysis.Warnings, warning)
	}
	result.LogType = optionalString(out.LogType)
	result.Timestamp = optionalString(out.Timestamp)
	return result, cleaned, nil
}

// maxWarningValue caps how much of an unexpected value a warning quotes.
const maxWarningValue = 200

// decodeFindings decodes the findings array. Anything other than an
// array or null yields no findings and a warning quoting the value.
func decodeFindings(raw json.RawMessage) ([]Finding, string) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}
	if raw[0] == '[' {
		var findings []Finding
		if err := json.Unmarshal(raw, &findings); err == nil {
			return findings, ""
		}
	}

	value := jsonText(raw)
	if len(value) > maxWarningValue {
		value = value[:maxWarningValue] + "..."
	}
	return nil, fmt.Sprintf("findings is not a list; ignored value: %s", value)
}

// optionalString returns raw as a string when it holds a JSON string.
func optionalString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
