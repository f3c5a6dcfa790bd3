package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies why a provider call did not produce an analysis.
type ErrorKind string

const (
	// ErrorKindConfiguration is a missing or placeholder credential or endpoint.
	// Detected before any network I/O and never retried.
	ErrorKindConfiguration ErrorKind = "configuration"
	// ErrorKindTransport is a connection failure, timeout or non-2xx status
	// that persisted through every retry attempt.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindEnvelope is a provider response without the expected structure,
	// including truncated completions that carry no text.
	ErrorKindEnvelope ErrorKind = "envelope"
	// ErrorKindDecode is model text that is not valid JSON after sanitization.
	ErrorKindDecode ErrorKind = "decode"
	// ErrorKindInternal is an unexpected fault recovered at the call boundary.
	ErrorKindInternal ErrorKind = "internal"
)

// Severity is the normalized threat level of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity maps a model-provided severity to a known level.
// Matching is case-insensitive and anything unrecognized is info.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityInfo
}

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	return severityRank[ParseSeverity(string(s))]
}

// AtLeast reports whether s is as severe as threshold or more.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// LogLines holds the raw log lines a finding refers to. Models return
// either an array or a single value; both decode here.
type LogLines []string

// UnmarshalJSON accepts a string, an array, or null. Non-string items are
// kept as their JSON text.
func (l *LogLines) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = nil
	case data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		lines := make(LogLines, 0, len(items))
		for _, item := range items {
			lines = append(lines, jsonText(item))
		}
		*l = lines
	default:
		if s := jsonText(data); s != "" {
			*l = LogLines{s}
		} else {
			*l = LogLines{}
		}
	}
	return nil
}

// Finding is one observation reported by the model. Severity is kept
// exactly as given; use Level for the normalized value.
type Finding struct {
	Severity       string   `json:"severity"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
	LogLines       LogLines `json:"log_lines,omitempty"`
}

// UnmarshalJSON decodes a finding without rejecting unexpected value
// types: scalars become their JSON text and a recommendation array is
// joined. A finding that is not an object becomes its description.
func (f *Finding) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*f = Finding{Description: jsonText(data)}
		return nil
	}

	var raw struct {
		Severity       json.RawMessage `json:"severity"`
		Description    json.RawMessage `json:"description"`
		Recommendation json.RawMessage `json:"recommendation"`
		LogLines       LogLines        `json:"log_lines"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Finding{
		Severity:       jsonText(raw.Severity),
		Description:    jsonText(raw.Description),
		Recommendation: joinedText(raw.Recommendation),
		LogLines:       raw.LogLines,
	}
	return nil
}

// jsonText returns a JSON string's value, "" for null, and the compact
// JSON text of anything else.
func jsonText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// joinedText is jsonText with arrays joined item by item with "; ".
func joinedText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return jsonText(raw)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return jsonText(raw)
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if s := jsonText(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}

// Level returns the normalized severity.
func (f Finding) Level() Severity {
	return ParseSeverity(f.Severity)
}

// Analysis is the success payload of a Result.
type Analysis struct {
	Findings            []Finding
	Summary             string
	WarningFinishReason string
	Warnings            []string // problems found while decoding model output
}

// Failure is the error payload of a Result.
type Failure struct {
	Kind            ErrorKind
	Message         string
	RawOutput       string          // model text before sanitization
	SanitizedOutput string          // model text handed to the JSON decoder
	RawResponse     json.RawMessage // provider envelope, or the raw body as a JSON string
	FinishReason    string
	Attempts        int
	Detail          string // decoder or transport error text
	Summary         string
}

// Error implements error so a Failure can travel through error returns.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s error: %s", f.Kind, f.Message)
}

// Result is the normalized outcome of one analysis call.
// Exactly one of Analysis and Failure is non-nil.
type Result struct {
	LogType   string
	Timestamp string
	Analysis  *Analysis
	Failure   *Failure
}

// NewSuccess builds a success Result. A nil findings list becomes empty.
func NewSuccess(findings []Finding, summary string) *Result {
	if findings == nil {
		findings = []Finding{}
	}
	return &Result{Analysis: &Analysis{Findings: findings, Summary: summary}}
}

// NewFailure builds an error Result.
func NewFailure(f *Failure) *Result {
	if f == nil {
		f = &Failure{Kind: ErrorKindInternal, Message: "unknown failure"}
	}
	return &Result{Failure: f}
}

// Failf builds an error Result of the given kind.
func Failf(kind ErrorKind, format string, args ...any) *Result {
	return NewFailure(&Failure{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// OK reports whether r is a success Result.
func (r *Result) OK() bool {
	return r != nil && r.Analysis != nil && r.Failure == nil
}

// Summary returns the analysis summary, or the failure summary if set.
func (r *Result) Summary() string {
	switch {
	case r.Analysis != nil:
		return r.Analysis.Summary
	case r.Failure != nil:
		return r.Failure.Summary
	}
	return ""
}

// Findings returns the findings of a success Result, or nil.
func (r *Result) Findings() []Finding {
	if r.Analysis == nil {
		return nil
	}
	return r.Analysis.Findings
}

// MaxSeverity returns the highest finding severity, or info when there
// are no findings.
func (r *Result) MaxSeverity() Severity {
	highest := SeverityInfo
	for _, f := range r.Findings() {
		if lvl := f.Level(); lvl.Rank() > highest.Rank() {
			highest = lvl
		}
	}
	return highest
}

// FindingsAtLeast returns findings whose severity is threshold or higher.
func (r *Result) FindingsAtLeast(threshold Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings() {
		if f.Level().AtLeast(threshold) {
			out = append(out, f)
		}
	}
	return out
}

// resultJSON is the flat persisted form shared by the store, the HTTP API
// and the report.
type resultJSON struct {
	LogType             string          `json:"log_type"`
	Timestamp           string          `json:"timestamp"`
	Findings            *[]Finding      `json:"findings,omitempty"`
	Summary             *string         `json:"summary,omitempty"`
	WarningFinishReason string          `json:"warning_finish_reason,omitempty"`
	Warnings            []string        `json:"warnings,omitempty"`
	Error               string          `json:"error,omitempty"`
	ErrorKind           ErrorKind       `json:"error_kind,omitempty"`
	RawOutput           string          `json:"raw_output,omitempty"`
	CleanedOutput       string          `json:"cleaned_output,omitempty"`
	RawResponse         json.RawMessage `json:"raw_response,omitempty"`
	FinishReason        string          `json:"finish_reason,omitempty"`
	Attempts            int             `json:"attempts,omitempty"`
	Detail              string          `json:"detail,omitempty"`
}

// MarshalJSON writes either the success or the error shape, never both.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{LogType: r.LogType, Timestamp: r.Timestamp}

	switch {
	case r.Failure != nil:
		f := r.Failure
		out.Error = f.Message
		out.ErrorKind = f.Kind
		out.RawOutput = f.RawOutput
		out.CleanedOutput = f.SanitizedOutput
		out.RawResponse = f.RawResponse
		out.FinishReason = f.FinishReason
		out.Attempts = f.Attempts
		out.Detail = f.Detail
		if f.Summary != "" {
			out.Summary = &f.Summary
		}
	case r.Analysis != nil:
		findings := r.Analysis.Findings
		if findings == nil {
			findings = []Finding{}
		}
		summary := r.Analysis.Summary
		out.Findings = &findings
		out.Summary = &summary
		out.WarningFinishReason = r.Analysis.WarningFinishReason
		out.Warnings = r.Analysis.Warnings
	default:
		return nil, fmt.Errorf("result for %q has neither analysis nor failure", r.LogType)
	}

	return json.Marshal(out)
}

// UnmarshalJSON restores a Result. The presence of "error" selects the
// error shape.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*r = Result{LogType: in.LogType, Timestamp: in.Timestamp}

	if in.Error != "" {
		f := &Failure{
			Kind:            in.ErrorKind,
			Message:         in.Error,
			RawOutput:       in.RawOutput,
			SanitizedOutput: in.CleanedOutput,
			RawResponse:     in.RawResponse,
			FinishReason:    in.FinishReason,
			Attempts:        in.Attempts,
			Detail:          in.Detail,
		}
		if in.Summary != nil {
			f.Summary = *in.Summary
		}
		r.Failure = f
		return nil
	}

	a := &Analysis{Findings: []Finding{}, WarningFinishReason: in.WarningFinishReason, Warnings: in.Warnings}
	if in.Findings != nil && *in.Findings != nil {
		a.Findings = *in.Findings
	}
	if in.Summary != nil {
		a.Summary = *in.Summary
	}
	r.Analysis = a
	return nil
}

// rawJSON keeps a provider body as-is when it is valid JSON and as a
// JSON string otherwise, so it can always be embedded in a Result.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			return buf.Bytes()
		}
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
