// Package report renders scan history into a standalone HTML page.
package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/olegiv/weblog-scanner/internal/ai"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/report.html.tmpl"))

// DefaultTitle is the page heading.
const DefaultTitle = "Web Log AI Security Report"

const (
	displayTimeLayout = "2006-01-02 15:04:05 MST"
	noDescription     = "No description provided."
	noSummary         = "No summary provided."
)

// Cycle is one scan run as shown in the report.
type Cycle struct {
	RunID     string
	StartedAt time.Time
	Provider  string
	Results   []*ai.Result
}

// Renderer writes the report file. The whole document is rebuilt on
// every call.
type Renderer struct {
	path  string
	title string
	now   func() time.Time
	mu    sync.Mutex
}

// NewRenderer creates a renderer for the given output path.
func NewRenderer(path string) *Renderer {
	return &Renderer{path: path, title: DefaultTitle, now: time.Now}
}

// Path returns the output file path.
func (r *Renderer) Path() string {
	return r.path
}

// EnsureExists writes an empty report when none exists yet.
func (r *Renderer) EnsureExists() error {
	if _, err := os.Stat(r.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat report: %w", err)
	}
	return r.Render(nil)
}

// Render rebuilds the report from cycles, newest first, and replaces the
// file atomically.
func (r *Renderer) Render(cycles []Cycle) error {
	html, err := r.Build(cycles)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return writeAtomic(r.path, html)
}

// Build returns the HTML document without writing it.
func (r *Renderer) Build(cycles []Cycle) ([]byte, error) {
	now := r.now()
	data := pageView{
		Title:       r.title,
		GeneratedAt: now.Format(displayTimeLayout),
		Year:        now.Year(),
	}
	for _, c := range cycles {
		data.Cycles = append(data.Cycles, newCycleView(c))
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

type pageView struct {
	Title       string
	GeneratedAt string
	Year        int
	Cycles      []cycleView
}

type cycleView struct {
	RunID    string
	Started  string
	Provider string
	Sections []sectionView
}

type sectionView struct {
	LogType  string
	Time     string
	Summary  string
	Warning  string
	Findings []findingView
	Error    *errorView
}

type findingView struct {
	Class          string
	Label          string
	Description    string
	Recommendation string
	LogLines       string
}

type errorView struct {
	Kind          string
	Message       string
	Detail        string
	Attempts      int
	FinishReason  string
	RawOutput     string
	CleanedOutput string
	RawResponse   string
}

func newCycleView(c Cycle) cycleView {
	v := cycleView{RunID: c.RunID, Provider: c.Provider}
	if !c.StartedAt.IsZero() {
		v.Started = c.StartedAt.Format(displayTimeLayout)
	}
	for _, res := range c.Results {
		if res != nil {
			v.Sections = append(v.Sections, newSectionView(res))
		}
	}
	return v
}

func newSectionView(res *ai.Result) sectionView {
	s := sectionView{
		LogType: DisplayLogType(res.LogType),
		Time:    displayTime(res.Timestamp),
	}

	if f := res.Failure; f != nil {
		s.Summary = f.Summary
		s.Error = &errorView{
			Kind:          string(f.Kind),
			Message:       f.Message,
			Detail:        f.Detail,
			Attempts:      f.Attempts,
			FinishReason:  f.FinishReason,
			RawOutput:     f.RawOutput,
			CleanedOutput: f.SanitizedOutput,
			RawResponse:   indentJSON(f.RawResponse),
		}
		return s
	}

	s.Summary = res.Summary()
	if s.Summary == "" {
		s.Summary = noSummary
	}
	if a := res.Analysis; a != nil {
		warnings := a.Warnings
		if a.WarningFinishReason != "" {
			warnings = append([]string{a.WarningFinishReason}, warnings...)
		}
		s.Warning = strings.Join(warnings, " ")
	}
	for _, f := range res.Findings() {
		s.Findings = append(s.Findings, newFindingView(f))
	}
	return s
}

func newFindingView(f ai.Finding) findingView {
	label := strings.ToUpper(strings.TrimSpace(f.Severity))
	if label == "" {
		label = strings.ToUpper(string(ai.SeverityInfo))
	}
	description := f.Description
	if description == "" {
		description = noDescription
	}
	return findingView{
		Class:          string(f.Level()),
		Label:          label,
		Description:    description,
		Recommendation: f.Recommendation,
		LogLines:       strings.Join(f.LogLines, ""),
	}
}

// DisplayLogType turns a stream tag like "nginx_access" into "Nginx Access".
func DisplayLogType(logType string) string {
	words := strings.Fields(strings.ReplaceAll(logType, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return "Unknown"
	}
	return strings.Join(words, " ")
}

// displayTime reformats RFC 3339 timestamps and passes anything else through.
func displayTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format(displayTimeLayout)
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place, so readers never see a partial report.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.html")
	if err != nil {
		return fmt.Errorf("failed to create temporary report: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set report permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace report: %w", err)
	}
	return nil
}
