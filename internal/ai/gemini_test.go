package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGemini(t *testing.T, endpoint string, rec *memoryRecorder) (*GeminiClient, *[]time.Duration) {
	t.Helper()
	client := NewGeminiClient(testConfig(endpoint, rec))
	client.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return client, recordSleeps(&client.baseClient)
}

func TestGeminiCall_ConfigurationGuards(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		url    string
		substr string
	}{
		{name: "missing key", key: "", url: DefaultGeminiEndpoint, substr: "API key is not configured"},
		{name: "placeholder key", key: "YOUR_GEMINI_API_KEY", url: DefaultGeminiEndpoint, substr: "placeholder"},
		{name: "missing url", key: "k", url: "", substr: "URL is not configured"},
		{name: "template url", key: "k", url: "https://generativelanguage.googleapis.com/v1beta/models/{model}:generateContent", substr: "placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			rec := &memoryRecorder{}
			cfg := testConfig(tt.url, rec)
			cfg.APIKey = tt.key
			cfg.HTTPClient = countingTransport(&calls, timeoutError{})

			client := NewGeminiClient(cfg)
			result := client.Call(context.Background(), &Request{LogType: "nginx_access", Payload: "x"})

			f := requireFailure(t, result, ErrorKindConfiguration)
			if !strings.Contains(f.Message, tt.substr) {
				t.Errorf("Message = %q, want substring %q", f.Message, tt.substr)
			}
			if calls != 0 {
				t.Errorf("made %d network calls, want 0", calls)
			}
			if n := len(rec.all()); n != 0 {
				t.Errorf("wrote %d audit entries, want 0", n)
			}
			if result.LogType != "nginx_access" || result.Timestamp == "" {
				t.Errorf("result not stamped: %+v", result)
			}
		})
	}
}

func TestGeminiCall_RequestShape(t *testing.T) {
	var captured geminiRequest
	var query string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		if r.Header.Get("User-Agent") != defaultUserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &captured); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		_, _ = w.Write(geminiEnvelope(t, `{"findings":[],"summary":"clean"}`, "STOP"))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client, _ := newTestGemini(t, server.URL+"/v1beta/models/gemini-test:generateContent", rec)

	result := client.Call(context.Background(), &Request{
		LogType:  "nginx_error",
		Payload:  "ZXJyb3I=",
		Encoding: EncodingBase64,
	})
	requireSuccess(t, result)

	if query != "key=test-key" {
		t.Errorf("query = %q, want key=test-key", query)
	}
	if captured.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("responseMimeType = %q", captured.GenerationConfig.ResponseMimeType)
	}
	if captured.GenerationConfig.MaxOutputTokens != 2048 {
		t.Errorf("maxOutputTokens = %d", captured.GenerationConfig.MaxOutputTokens)
	}
	if len(captured.SafetySettings) != 4 {
		t.Fatalf("safety settings = %d, want 4", len(captured.SafetySettings))
	}
	for _, s := range captured.SafetySettings {
		if s.Threshold != "BLOCK_MEDIUM_AND_ABOVE" {
			t.Errorf("%s threshold = %s", s.Category, s.Threshold)
		}
	}
	if !strings.Contains(captured.SystemInstruction.Parts[0].Text, "Base64") {
		t.Error("system instruction should mention the Base64 payload")
	}
	if got := captured.Contents[0].Parts[0].Text; got != UserPrompt("ZXJyb3I=") {
		t.Errorf("user content = %q", got)
	}
	if client.GetModelInfo()["model"] != "gemini-test" {
		t.Errorf("model = %v", client.GetModelInfo()["model"])
	}
}

func TestGeminiCall_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(geminiEnvelope(t, "```json\n{\"findings\":[{\"severity\":\"high\",\"description\":\"Scanner probing /wp-login.php\"}],\"summary\":\"probe\"}\n```", "STOP"))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client, sleeps := newTestGemini(t, server.URL, rec)

	result := client.Call(context.Background(), &Request{LogType: "nginx_access", Payload: "x", RunID: "run-1"})
	a := requireSuccess(t, result)

	if len(a.Findings) != 1 || a.Findings[0].Level() != SeverityHigh {
		t.Errorf("Findings = %+v", a.Findings)
	}
	if a.WarningFinishReason != "" {
		t.Errorf("unexpected warning %q", a.WarningFinishReason)
	}
	if result.LogType != "nginx_access" || result.Timestamp != "2025-06-01T12:00:00Z" {
		t.Errorf("stamp = %q/%q", result.LogType, result.Timestamp)
	}
	if len(*sleeps) != 0 {
		t.Errorf("slept %v on success", *sleeps)
	}

	entries := rec.all()
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want request + outcome", len(entries))
	}
	if entries[0].Response != nil || entries[0].RunID != "run-1" || entries[0].Provider != "gemini" {
		t.Errorf("request entry = %+v", entries[0])
	}
	response, ok := entries[1].Response.(map[string]any)
	if !ok {
		t.Fatalf("outcome response is %T", entries[1].Response)
	}
	if _, ok := response["raw_api_response"]; !ok {
		t.Error("outcome entry missing raw_api_response")
	}
	if _, ok := response["parsed_model_output"]; !ok {
		t.Error("outcome entry missing parsed_model_output")
	}
}

func TestGeminiCall_Truncation(t *testing.T) {
	t.Run("with text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(geminiEnvelope(t, `{"findings":[],"summary":"partial"}`, "MAX_TOKENS"))
		}))
		defer server.Close()

		client, _ := newTestGemini(t, server.URL, &memoryRecorder{})
		a := requireSuccess(t, client.Call(context.Background(), &Request{LogType: "php_fpm"}))
		if a.WarningFinishReason != "length: Response might be truncated." {
			t.Errorf("WarningFinishReason = %q", a.WarningFinishReason)
		}
	})

	t.Run("without text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"MAX_TOKENS"}]}`))
		}))
		defer server.Close()

		client, _ := newTestGemini(t, server.URL, &memoryRecorder{})
		f := requireFailure(t, client.Call(context.Background(), &Request{LogType: "php_fpm"}), ErrorKindEnvelope)
		if f.Message != "Response truncated due to length limit and no text content found" {
			t.Errorf("Message = %q", f.Message)
		}
		if f.FinishReason != "MAX_TOKENS" {
			t.Errorf("FinishReason = %q", f.FinishReason)
		}
		if len(f.RawResponse) == 0 {
			t.Error("RawResponse should carry the envelope")
		}
	})
}

func TestGeminiCall_EnvelopeErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		substr string
	}{
		{name: "no candidates", body: `{"candidates":[]}`, substr: "Missing 'candidates'"},
		{name: "blocked prompt", body: `{"promptFeedback":{"blockReason":"SAFETY"}}`, substr: "Prompt blocked by provider: SAFETY"},
		{name: "no content", body: `{"candidates":[{"finishReason":"STOP"}]}`, substr: "parts[0].text"},
		{name: "not json", body: `<html>gateway</html>`, substr: "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			rec := &memoryRecorder{}
			client, _ := newTestGemini(t, server.URL, rec)
			f := requireFailure(t, client.Call(context.Background(), &Request{LogType: "nginx_access"}), ErrorKindEnvelope)
			if !strings.Contains(f.Message, tt.substr) {
				t.Errorf("Message = %q, want substring %q", f.Message, tt.substr)
			}
			if errs := rec.errorEntries(); len(errs) != 1 {
				t.Errorf("error entries = %d, want 1", len(errs))
			}
		})
	}
}

func TestGeminiCall_DecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(geminiEnvelope(t, "I cannot analyze this.", "STOP"))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client, _ := newTestGemini(t, server.URL, rec)
	f := requireFailure(t, client.Call(context.Background(), &Request{LogType: "nginx_access"}), ErrorKindDecode)

	if f.RawOutput != "I cannot analyze this." {
		t.Errorf("RawOutput = %q", f.RawOutput)
	}

	entries := rec.all()
	response, ok := entries[len(entries)-1].Response.(map[string]any)
	if !ok {
		t.Fatalf("outcome response is %T", entries[len(entries)-1].Response)
	}
	if response["model_text_output"] != "I cannot analyze this." {
		t.Errorf("model_text_output = %v", response["model_text_output"])
	}
	if _, ok := response["cleaned_text"]; !ok {
		t.Error("outcome entry missing cleaned_text")
	}
}

func TestGeminiCall_ServerErrorRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"internal"}}`))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client, sleeps := newTestGemini(t, server.URL, rec)

	f := requireFailure(t, client.Call(context.Background(), &Request{LogType: "nginx_access"}), ErrorKindTransport)
	if f.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", f.Attempts)
	}
	if !strings.Contains(f.Message, "3 attempts") {
		t.Errorf("Message = %q", f.Message)
	}
	if !strings.Contains(f.Detail, "status 500") {
		t.Errorf("Detail = %q", f.Detail)
	}
	if strings.Contains(f.Detail, "test-key") {
		t.Error("Detail leaks the API key")
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want 2 x 5s", *sleeps)
	}
	if n := len(rec.requestEntries()); n != 3 {
		t.Errorf("request entries = %d, want 3", n)
	}
}

func TestGeminiCall_RecoversAfterTransientFailure(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(geminiEnvelope(t, `{"findings":[],"summary":"ok"}`, "STOP"))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client, sleeps := newTestGemini(t, server.URL, rec)

	requireSuccess(t, client.Call(context.Background(), &Request{LogType: "nginx_access"}))
	if len(*sleeps) != 1 {
		t.Errorf("sleeps = %v, want 1", *sleeps)
	}
	errs := rec.errorEntries()
	if len(errs) != 1 || !strings.Contains(errs[0].ErrorInfo, "attempt 1/3 failed") {
		t.Errorf("error entries = %+v", errs)
	}
	if strings.Contains(errs[0].ErrorInfo, "giving up") {
		t.Error("non-final attempt should not give up")
	}
}

func TestGeminiClientInfo(t *testing.T) {
	client := NewGeminiClient(ClientConfig{Endpoint: DefaultGeminiEndpoint})
	if client.GetProviderName() != "Gemini" {
		t.Errorf("GetProviderName() = %q", client.GetProviderName())
	}
	info := client.GetModelInfo()
	if info["model"] != "gemini-2.5-flash-preview-05-20" {
		t.Errorf("model = %v", info["model"])
	}
}
