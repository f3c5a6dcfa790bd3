package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/olegiv/weblog-scanner/internal/audit"
	internalerrors "github.com/olegiv/weblog-scanner/internal/errors"
	"github.com/olegiv/weblog-scanner/internal/logging"
)

const truncationWarning = "length: Response might be truncated."

// baseClient carries what every provider client shares: configuration,
// retry schedule, audit trail and logging.
type baseClient struct {
	provider ProviderType
	name     string
	cfg      ClientConfig
	retry    retryPolicy
	log      *logging.SecureLogger
	now      func() time.Time
}

func newBaseClient(pt ProviderType, name string, cfg ClientConfig) baseClient {
	cfg.applyDefaults()
	return baseClient{
		provider: pt,
		name:     name,
		cfg:      cfg,
		retry:    newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		log:      cfg.Logger.With("provider", string(pt)),
		now:      time.Now,
	}
}

// httpClientFor returns the client for one call and a release func.
func (b *baseClient) httpClientFor(proxy Proxy) (*http.Client, func(), error) {
	if b.cfg.HTTPClient != nil {
		return b.cfg.HTTPClient, func() {}, nil
	}

	scheme := "https"
	if u, err := url.Parse(b.cfg.Endpoint); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}

	client, err := newHTTPClient(b.cfg.ConnectTimeout, b.cfg.ReadTimeout, proxy.ForScheme(scheme))
	if err != nil {
		return nil, nil, err
	}
	return client, client.CloseIdleConnections, nil
}

// record writes one audit entry. Audit failures are logged, never returned.
func (b *baseClient) record(req *Request, attempt int, body, response any, errorInfo string) {
	err := b.cfg.Audit.Record(audit.Entry{
		Provider:  string(b.provider),
		RunID:     req.RunID,
		LogType:   req.LogType,
		Attempt:   attempt,
		Request:   body,
		Response:  response,
		ErrorInfo: errorInfo,
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to write audit entry")
	}
}

// recordOutcome writes the post-call entry of a resolved attempt.
func (b *baseClient) recordOutcome(req *Request, attempt int, body, response any, result *Result) {
	info := ""
	if result.Failure != nil {
		info = result.Failure.Error()
	}
	b.record(req, attempt, body, response, info)
}

// send runs attemptFn under the retry policy. Every attempt is audited
// before it starts and again if it fails.
func send[T any](ctx context.Context, b *baseClient, req *Request, body any, attemptFn func(ctx context.Context, client *http.Client) (T, error)) (T, int, *Failure) {
	var zero T

	client, release, err := b.httpClientFor(req.Proxy)
	if err != nil {
		return zero, 0, &Failure{
			Kind:    ErrorKindConfiguration,
			Message: fmt.Sprintf("invalid proxy configuration: %v", err),
		}
	}
	defer release()

	maxAttempts := b.retry.maxAttempts
	value, attempts, err := retryFixed(ctx, b.retry, func(attempt int) (T, error) {
		b.record(req, attempt, body, nil, "")
		b.log.Info().
			Str("log_type", req.LogType).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msgf("Calling %s API", b.name)

		v, err := attemptFn(ctx, client)
		if err != nil {
			info := fmt.Sprintf("attempt %d/%d failed: %v", attempt, maxAttempts, internalerrors.SanitizeError(err))
			if attempt == maxAttempts {
				info += fmt.Sprintf("; giving up after %d attempts", maxAttempts)
			}
			b.record(req, attempt, body, nil, info)

			event := b.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Bool("rate_limited", isRateLimitError(err)).
				Bool("overloaded", isOverloadedError(err))
			if attempt < maxAttempts {
				event.Dur("retry_in", b.retry.delay)
			}
			event.Msgf("%s API call failed", b.name)
		}
		return v, err
	})
	if err != nil {
		return zero, attempts, &Failure{
			Kind:     ErrorKindTransport,
			Message:  fmt.Sprintf("API request failed after %d attempts", attempts),
			Attempts: attempts,
			Detail:   internalerrors.SanitizeString(err.Error()),
		}
	}

	return value, attempts, nil
}

// completion is the model text located inside a provider envelope.
type completion struct {
	Text         string
	FinishReason string
	Truncated    bool
	Missing      string // set when the expected fields were absent
}

// normalize turns an extracted completion into a Result.
func normalize(c completion, envelope json.RawMessage) *Result {
	if strings.TrimSpace(c.Text) == "" {
		if c.Truncated {
			return NewFailure(&Failure{
				Kind:         ErrorKindEnvelope,
				Message:      "Response truncated due to length limit and no text content found",
				RawResponse:  envelope,
				FinishReason: c.FinishReason,
			})
		}
		msg := c.Missing
		if msg == "" {
			msg = "Unexpected API response structure or missing text"
		}
		return NewFailure(&Failure{
			Kind:         ErrorKindEnvelope,
			Message:      msg,
			RawResponse:  envelope,
			FinishReason: c.FinishReason,
		})
	}

	result, sanitized, err := ParseModelOutput(c.Text)
	if err != nil {
		return NewFailure(&Failure{
			Kind:            ErrorKindDecode,
			Message:         "Invalid JSON response from model",
			RawOutput:       c.Text,
			SanitizedOutput: sanitized,
			FinishReason:    c.FinishReason,
			Detail:          err.Error(),
		})
	}

	if c.Truncated {
		result.Analysis.WarningFinishReason = truncationWarning
	}
	return result
}

// envelopeFailure reports a response body that is not valid JSON.
func envelopeFailure(body []byte, err error) *Result {
	return NewFailure(&Failure{
		Kind:        ErrorKindEnvelope,
		Message:     "API response is not valid JSON",
		RawResponse: rawJSON(body),
		Detail:      err.Error(),
	})
}

// finish fills log type and timestamp when the model left them out and
// logs the outcome.
func (b *baseClient) finish(req *Request, result *Result) *Result {
	stampResult(result, req.LogType, b.now())

	if result.OK() {
		event := b.log.Info().
			Str("log_type", result.LogType).
			Int("findings", len(result.Analysis.Findings))
		if result.Analysis.WarningFinishReason != "" {
			event.Str("warning", result.Analysis.WarningFinishReason)
		}
		if len(result.Analysis.Warnings) > 0 {
			event.Str("decode_warning", strings.Join(result.Analysis.Warnings, "; "))
		}
		event.Msgf("%s analysis completed", b.name)
	} else {
		b.log.Error().
			Str("log_type", result.LogType).
			Str("error_kind", string(result.Failure.Kind)).
			Str("finish_reason", result.Failure.FinishReason).
			Msg(result.Failure.Message)
	}
	return result
}

// stampResult applies set-if-missing defaults for log type and timestamp.
func stampResult(result *Result, logType string, now time.Time) {
	if result.LogType == "" {
		result.LogType = logType
	}
	if result.Timestamp == "" {
		result.Timestamp = now.Format(time.RFC3339)
	}
}

// recoverResult converts a panic inside Call into an internal error Result.
func recoverResult(name string, result **Result) {
	if r := recover(); r != nil {
		*result = Failf(ErrorKindInternal, "Unknown error during %s API call: %v", name, r)
	}
}

// auditResponse is the response payload of a post-call audit entry.
func auditResponse(raw []byte, result *Result) map[string]any {
	response := map[string]any{"raw_api_response": rawJSON(raw)}
	switch {
	case result.OK():
		response["parsed_model_output"] = result
	case result != nil && result.Failure.Kind == ErrorKindDecode:
		response["model_text_output"] = result.Failure.RawOutput
		response["cleaned_text"] = result.Failure.SanitizedOutput
	}
	return response
}
