package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 12, 30, 0, 0, time.UTC)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r := NewRenderer(filepath.Join(t.TempDir(), "out", "report.html"))
	r.now = func() time.Time { return fixedNow }
	return r
}

func success(logType string, findings ...ai.Finding) *ai.Result {
	r := ai.NewSuccess(findings, "Summary for "+logType)
	r.LogType = logType
	r.Timestamp = "2026-10-19T12:00:00Z"
	return r
}

func TestEnsureExists_WritesEmptyReport(t *testing.T) {
	r := newTestRenderer(t)

	require.NoError(t, r.EnsureExists())

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "<title>"+DefaultTitle+"</title>")
	assert.Contains(t, html, "No scans have completed yet.")
	assert.Contains(t, html, "Last updated: 2026-10-19 12:30:00 UTC")
	assert.Contains(t, html, "&copy; 2026")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(html), "</html>"))
}

func TestEnsureExists_KeepsExistingReport(t *testing.T) {
	r := newTestRenderer(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(r.Path()), 0755))
	require.NoError(t, os.WriteFile(r.Path(), []byte("existing"), 0644))

	require.NoError(t, r.EnsureExists())

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
}

func TestRender_FindingsAndSeverityClasses(t *testing.T) {
	r := newTestRenderer(t)

	result := success("nginx_access",
		ai.Finding{Severity: "High", Description: "SQL injection probe", Recommendation: "Block 203.0.113.7", LogLines: ai.LogLines{"GET /?id=1' OR '1'='1\n"}},
		ai.Finding{Severity: "catastrophic", Description: ""},
	)
	cycles := []Cycle{{RunID: "run-1", StartedAt: fixedNow, Provider: "OpenRouter", Results: []*ai.Result{result}}}

	require.NoError(t, r.Render(cycles))
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	html := string(data)

	assert.Contains(t, html, "Nginx Access analysis (2026-10-19 12:00:00 UTC)")
	assert.Contains(t, html, `class="log-entry severity-high"`)
	assert.Contains(t, html, ">HIGH</span>")
	// Unknown severities keep their label but use the info style
	assert.Contains(t, html, `class="log-entry severity-info"`)
	assert.Contains(t, html, ">CATASTROPHIC</span>")
	assert.Contains(t, html, noDescription)
	assert.Contains(t, html, "Block 203.0.113.7")
	assert.Contains(t, html, "Overall summary:</strong> Summary for nginx_access")
	assert.Contains(t, html, "OpenRouter")
	assert.NotContains(t, html, "No scans have completed yet.")
}

func TestRender_EscapesModelText(t *testing.T) {
	r := newTestRenderer(t)

	result := success("nginx_access", ai.Finding{
		Severity:    "critical",
		Description: `<script>alert("xss")</script>`,
		LogLines:    ai.LogLines{`GET /<img src=x onerror=alert(1)>`},
	})

	html, err := r.Build([]Cycle{{RunID: "run-1", Results: []*ai.Result{result}}})
	require.NoError(t, err)

	assert.NotContains(t, string(html), "<script>alert")
	assert.NotContains(t, string(html), "<img src=x")
	assert.Contains(t, string(html), "&lt;script&gt;")
}

func TestRender_NoFindings(t *testing.T) {
	r := newTestRenderer(t)

	result := success("php_fpm")
	result.Analysis.WarningFinishReason = "length: Response might be truncated."

	html, err := r.Build([]Cycle{{RunID: "run-1", Results: []*ai.Result{result}}})
	require.NoError(t, err)

	assert.Contains(t, string(html), "No obvious anomalies detected.")
	assert.Contains(t, string(html), "length: Response might be truncated.")
	assert.Contains(t, string(html), "Php Fpm analysis")
}

func TestRender_DecodeWarnings(t *testing.T) {
	r := newTestRenderer(t)

	result := success("nginx_access")
	result.Analysis.Warnings = []string{"findings is not a list; ignored value: none"}

	html, err := r.Build([]Cycle{{RunID: "run-1", Results: []*ai.Result{result}}})
	require.NoError(t, err)

	assert.Contains(t, string(html), "findings is not a list; ignored value: none")
}

func TestRender_ErrorBlock(t *testing.T) {
	r := newTestRenderer(t)

	result := ai.NewFailure(&ai.Failure{
		Kind:            ai.ErrorKindDecode,
		Message:         "model output is not valid JSON",
		RawOutput:       "Sure! Here is the analysis",
		SanitizedOutput: "Sure! Here is the analysis",
		RawResponse:     json.RawMessage(`{"choices":[{"finish_reason":"stop"}]}`),
		Detail:          "invalid character 'S' looking for beginning of value",
	})
	result.LogType = "nginx_error"
	result.Timestamp = "not-a-timestamp"

	html, err := r.Build([]Cycle{{RunID: "run-1", Results: []*ai.Result{result}}})
	require.NoError(t, err)
	out := string(html)

	assert.Contains(t, out, `class="log-entry error"`)
	assert.Contains(t, out, "Error (decode):</strong> model output is not valid JSON")
	assert.Contains(t, out, "Raw model output:")
	assert.Contains(t, out, "Cleaned output:")
	assert.Contains(t, out, "&#34;finish_reason&#34;: &#34;stop&#34;")
	assert.Contains(t, out, "Nginx Error analysis (not-a-timestamp)")
}

func TestRender_NewestCycleFirst(t *testing.T) {
	r := newTestRenderer(t)

	cycles := []Cycle{
		{RunID: "newest", Results: []*ai.Result{success("nginx_access")}},
		{RunID: "older", Results: []*ai.Result{success("nginx_error")}},
	}
	html, err := r.Build(cycles)
	require.NoError(t, err)

	out := string(html)
	assert.Less(t, strings.Index(out, `id="run-newest"`), strings.Index(out, `id="run-older"`))
}

func TestRender_ReplacesFileAtomically(t *testing.T) {
	r := newTestRenderer(t)

	require.NoError(t, r.Render([]Cycle{{RunID: "a", Results: []*ai.Result{success("nginx_access")}}}))
	require.NoError(t, r.Render([]Cycle{{RunID: "b", Results: []*ai.Result{success("php_fpm")}}}))

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `id="run-b"`)
	assert.NotContains(t, string(data), `id="run-a"`)

	entries, err := os.ReadDir(filepath.Dir(r.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	info, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestDisplayLogType(t *testing.T) {
	tests := map[string]string{
		"nginx_access":   "Nginx Access",
		"service_status": "Service Status",
		"laravel":        "Laravel",
		"":               "Unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, DisplayLogType(in), in)
	}
}

func TestRing(t *testing.T) {
	ring := NewRing(2)
	assert.Empty(t, ring.Cycles())

	ring.Add(Cycle{RunID: "1"})
	ring.Add(Cycle{RunID: "2"})
	ring.Add(Cycle{RunID: "3"})

	cycles := ring.Cycles()
	require.Len(t, cycles, 2)
	assert.Equal(t, "3", cycles[0].RunID)
	assert.Equal(t, "2", cycles[1].RunID)

	assert.Len(t, NewRing(0).Cycles(), 0)
}
