package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olegiv/weblog-scanner/internal/audit"
)

// memoryRecorder collects audit entries in memory.
type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryRecorder) Record(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryRecorder) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

// requestEntries returns entries written before a network attempt.
func (m *memoryRecorder) requestEntries() []audit.Entry {
	var out []audit.Entry
	for _, e := range m.all() {
		if e.Response == nil && e.ErrorInfo == "" {
			out = append(out, e)
		}
	}
	return out
}

// errorEntries returns entries carrying error_info.
func (m *memoryRecorder) errorEntries() []audit.Entry {
	var out []audit.Entry
	for _, e := range m.all() {
		if e.ErrorInfo != "" {
			out = append(out, e)
		}
	}
	return out
}

// roundTripFunc is an http.RoundTripper stub.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// timeoutError mimics a network read timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "read tcp 10.0.0.1:443: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// countingTransport counts round trips and fails every one with err.
func countingTransport(calls *int32, err error) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(calls, 1)
		return nil, err
	})}
}

// testConfig returns a client config pointing at endpoint with retries
// that do not sleep.
func testConfig(endpoint string, rec audit.Recorder) ClientConfig {
	return ClientConfig{
		APIKey:     "test-key",
		Endpoint:   endpoint,
		RetryDelay: 5 * time.Second,
		Audit:      rec,
	}
}

// recordSleeps replaces the retry sleep and returns the recorded delays.
func recordSleeps(b *baseClient) *[]time.Duration {
	var delays []time.Duration
	b.retry.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

// geminiEnvelope builds a generateContent response body.
func geminiEnvelope(t *testing.T, text, finishReason string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			"finishReason": finishReason,
		}},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

// chatEnvelope builds a chat completions response body.
func chatEnvelope(t *testing.T, text, finishReason string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id": "gen-1",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finishReason,
		}},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

// requireFailure asserts r is an error Result of the given kind.
func requireFailure(t *testing.T, r *Result, kind ErrorKind) *Failure {
	t.Helper()
	if r == nil {
		t.Fatal("Result is nil")
	}
	if r.OK() || r.Failure == nil {
		t.Fatalf("expected %s failure, got success %+v", kind, r.Analysis)
	}
	if r.Analysis != nil {
		t.Fatal("Result has both analysis and failure")
	}
	if r.Failure.Kind != kind {
		t.Fatalf("Failure.Kind = %s, want %s (message %q)", r.Failure.Kind, kind, r.Failure.Message)
	}
	return r.Failure
}

// requireSuccess asserts r is a success Result.
func requireSuccess(t *testing.T, r *Result) *Analysis {
	t.Helper()
	if r == nil {
		t.Fatal("Result is nil")
	}
	if !r.OK() {
		t.Fatalf("expected success, got %s failure: %s (%s)", r.Failure.Kind, r.Failure.Message, r.Failure.Detail)
	}
	return r.Analysis
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
