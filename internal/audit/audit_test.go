package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), "line is not JSON: %s", scanner.Text())
		entries = append(entries, m)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ai_api_calls.jsonl")

	l, err := New(Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLog_RecordWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	l, err := New(Config{Path: path})
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	request := map[string]any{"model": "deepseek/deepseek-chat-v3-0324:free"}

	require.NoError(t, l.Record(Entry{Provider: "openrouter", Attempt: 1, Request: request}))
	require.NoError(t, l.Record(Entry{
		Provider: "openrouter",
		Attempt:  1,
		Request:  request,
		Response: map[string]any{"parsed_model_output": map[string]any{"summary": "clean"}},
	}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	assert.Equal(t, "2025-06-01T12:00:00Z", entries[0]["timestamp"])
	assert.Equal(t, "openrouter", entries[0]["api_provider"])
	assert.NotContains(t, entries[0], "response")
	assert.NotContains(t, entries[0], "error_info")
	assert.Contains(t, entries[1], "response")
}

func TestLog_RecordRedactsErrorInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	l, err := New(Config{Path: path})
	require.NoError(t, err)

	require.NoError(t, l.Record(Entry{
		Provider:  "gemini",
		Request:   map[string]any{},
		ErrorInfo: `Post "https://example.com/v1:generateContent?key=secret-value": timeout`,
	}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0]["error_info"], "secret-value")
}

func TestLog_ReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	l, err := New(Config{Path: path})
	require.NoError(t, err)

	require.NoError(t, l.Record(Entry{Provider: "gemini", Request: "first"}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Record(Entry{Provider: "gemini", Request: "second"}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0]["request"])
	assert.Equal(t, "second", entries[1]["request"])
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Record(Entry{Provider: "gemini"}))
}
