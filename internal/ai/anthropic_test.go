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

	"github.com/liushuangls/go-anthropic/v2"
)

func messagesServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s, want .../messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if captured != nil {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func messagesBody(text, stopReason string) string {
	quoted, _ := json.Marshal(text)
	return `{"id":"msg_01","type":"message","role":"assistant","model":"claude-test",` +
		`"content":[{"type":"text","text":` + string(quoted) + `}],` +
		`"stop_reason":"` + stopReason + `","usage":{"input_tokens":10,"output_tokens":20}}`
}

func TestAnthropicCall_Success(t *testing.T) {
	var captured map[string]any
	server := messagesServer(t, http.StatusOK, messagesBody(`{"findings":[{"severity":"medium","description":"404 burst"}],"summary":"noisy"}`, "end_turn"), &captured)
	defer server.Close()

	rec := &memoryRecorder{}
	client := NewAnthropicClient(testConfig(server.URL, rec))

	result := client.Call(context.Background(), &Request{LogType: "nginx_access", Payload: "GET /x 404"})
	a := requireSuccess(t, result)

	if len(a.Findings) != 1 || a.Findings[0].Level() != SeverityMedium {
		t.Errorf("Findings = %+v", a.Findings)
	}
	if captured["model"] != DefaultAnthropicModel {
		t.Errorf("model = %v", captured["model"])
	}
	if system, _ := captured["system"].(string); !strings.Contains(system, "findings") {
		t.Error("system prompt should describe the findings schema")
	}
	if len(rec.all()) != 2 {
		t.Errorf("audit entries = %d, want 2", len(rec.all()))
	}
}

func TestAnthropicCall_MaxTokens(t *testing.T) {
	server := messagesServer(t, http.StatusOK, messagesBody(`{"findings":[],"summary":"partial"}`, "max_tokens"), nil)
	defer server.Close()

	client := NewAnthropicClient(testConfig(server.URL, &memoryRecorder{}))
	a := requireSuccess(t, client.Call(context.Background(), &Request{LogType: "php_fpm"}))
	if a.WarningFinishReason != truncationWarning {
		t.Errorf("WarningFinishReason = %q", a.WarningFinishReason)
	}
}

func TestAnthropicCall_RateLimitedRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client := NewAnthropicClient(testConfig(server.URL, rec))
	sleeps := recordSleeps(&client.baseClient)

	f := requireFailure(t, client.Call(context.Background(), &Request{LogType: "nginx_access"}), ErrorKindTransport)
	if f.Attempts != 3 || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Attempts = %d, hits = %d", f.Attempts, hits)
	}
	if len(*sleeps) != 2 {
		t.Errorf("sleeps = %v", *sleeps)
	}
	if n := len(rec.errorEntries()); n != 3 {
		t.Errorf("error entries = %d, want 3", n)
	}
}

func TestAnthropicCall_PlaceholderKey(t *testing.T) {
	cfg := testConfig(DefaultAnthropicEndpoint, &memoryRecorder{})
	cfg.APIKey = "YOUR_ANTHROPIC_API_KEY"

	f := requireFailure(t, NewAnthropicClient(cfg).Call(context.Background(), &Request{LogType: "x"}), ErrorKindConfiguration)
	if !strings.Contains(f.Message, "placeholder") {
		t.Errorf("Message = %q", f.Message)
	}
}

func TestMessagesCompletion(t *testing.T) {
	var empty anthropic.MessagesResponse
	if err := json.Unmarshal([]byte(`{"content":[],"stop_reason":"end_turn"}`), &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c := messagesCompletion(empty); c.Missing == "" {
		t.Error("expected Missing for empty content")
	}

	var multi anthropic.MessagesResponse
	body := `{"content":[{"type":"text","text":"{\"findings\":"},{"type":"text","text":"[],\"summary\":\"x\"}"}],"stop_reason":"end_turn"}`
	if err := json.Unmarshal([]byte(body), &multi); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c := messagesCompletion(multi)
	if c.Text != `{"findings":[],"summary":"x"}` {
		t.Errorf("Text = %q", c.Text)
	}
	if c.Truncated {
		t.Error("end_turn is not truncation")
	}
}

func TestAnthropicClientInfo(t *testing.T) {
	client := NewAnthropicClient(ClientConfig{})
	if client.GetProviderName() != "Anthropic" {
		t.Errorf("GetProviderName() = %q", client.GetProviderName())
	}
	if client.GetModelInfo()["context_limit"] != 200000 {
		t.Errorf("context_limit = %v", client.GetModelInfo()["context_limit"])
	}
}
