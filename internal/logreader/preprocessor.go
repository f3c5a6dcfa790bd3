package logreader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/olegiv/weblog-scanner/internal/analyzer"
)

// Compile-time interface check
var _ analyzer.Preprocessor = (*Preprocessor)(nil)

var (
	ipRegex        = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	timestampRegex = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}\b`)
	dateRegex      = regexp.MustCompile(`\b\d{4}[-/]\d{2}[-/]\d{2}\b|\b\d{2}/[A-Za-z]{3}/\d{4}\b`)
	numberRegex    = regexp.MustCompile(`\b\d+\b`)
)

// Preprocessor fits a tail into a payload token budget.
// Implements analyzer.Preprocessor interface.
type Preprocessor struct {
	maxTokens int
}

// NewPreprocessor creates a new preprocessor. maxTokens <= 0 disables it.
func NewPreprocessor(maxTokens int) *Preprocessor {
	return &Preprocessor{
		maxTokens: maxTokens,
	}
}

// EstimateTokens estimates the number of tokens in the content.
// Delegates to the shared analyzer.EstimateTokens function.
func (p *Preprocessor) EstimateTokens(content string) int {
	return analyzer.EstimateTokens(content)
}

// ShouldProcess determines if preprocessing is needed based on token count.
// Returns true if the estimated tokens exceed maxTokens.
func (p *Preprocessor) ShouldProcess(content string, maxTokens int) bool {
	return maxTokens > 0 && p.EstimateTokens(content) > maxTokens
}

// Process collapses runs of near-identical lines and then drops the oldest
// lines until the payload fits. Lines are returned oldest first; the first
// line notes how many were omitted.
func (p *Preprocessor) Process(lines []string) []string {
	if !p.ShouldProcess(strings.Join(lines, ""), p.maxTokens) {
		return lines
	}

	collapsed := p.collapseRepeats(lines)

	total := 0
	costs := make([]int, len(collapsed))
	for i, line := range collapsed {
		costs[i] = p.EstimateTokens(line)
		total += costs[i]
	}

	start := 0
	for start < len(collapsed)-1 && total > p.maxTokens {
		total -= costs[start]
		start++
	}
	if start == 0 {
		return collapsed
	}

	out := make([]string, 0, len(collapsed)-start+1)
	out = append(out, fmt.Sprintf("[... %d earlier lines omitted to fit the analysis budget ...]\n", start))
	return append(out, collapsed[start:]...)
}

// collapseRepeats replaces consecutive lines that differ only in addresses,
// times and numbers with the last of them plus a repeat count.
func (p *Preprocessor) collapseRepeats(lines []string) []string {
	if len(lines) <= 1 {
		return lines
	}

	var out []string
	runStart := 0
	flush := func(end int) {
		count := end - runStart
		last := lines[end-1]
		if count > 1 {
			last = strings.TrimRight(last, "\n") + fmt.Sprintf(" (repeated %d times)\n", count)
		}
		out = append(out, last)
	}

	for i := 1; i < len(lines); i++ {
		if normalizeLine(lines[i]) != normalizeLine(lines[runStart]) {
			flush(i)
			runStart = i
		}
	}
	flush(len(lines))
	return out
}

// normalizeLine normalizes a log line for grouping similar entries.
func normalizeLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	line = ipRegex.ReplaceAllString(line, "IP")
	line = timestampRegex.ReplaceAllString(line, "TIME")
	line = dateRegex.ReplaceAllString(line, "DATE")
	line = numberRegex.ReplaceAllString(line, "N")

	return line
}
