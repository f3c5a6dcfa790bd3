// Package analyzer provides common interfaces for log analysis.
// This abstraction layer lets the scanner treat every configured log stream
// (nginx access, nginx error, php-fpm, or any custom file) the same way.
package analyzer

import "strings"

// EstimateTokens estimates the number of tokens in the content.
// Uses the algorithm: max(chars/4, words/0.75)
// This is a shared utility function used by all Preprocessor implementations.
func EstimateTokens(content string) int {
	chars := len(content)
	words := len(strings.Fields(content))

	charsEstimate := chars / 4
	wordsEstimate := int(float64(words) / 0.75)

	if charsEstimate > wordsEstimate {
		return charsEstimate
	}
	return wordsEstimate
}

// LogReader reads the most recent lines of a log source.
type LogReader interface {
	// ReadTail returns the last n lines of the source, oldest first.
	// Each line keeps its trailing newline so the lines can be joined as-is.
	ReadTail(sourcePath string, n int) ([]string, error)

	// GetSourceInfo returns metadata about the log source.
	// Common keys: size_bytes, size_mb, modified, age_hours
	GetSourceInfo(sourcePath string) (map[string]interface{}, error)
}

// Preprocessor shrinks a tail to fit a payload token budget.
type Preprocessor interface {
	// EstimateTokens estimates the number of tokens in the content.
	EstimateTokens(content string) int

	// ShouldProcess determines if preprocessing is needed based on token count.
	ShouldProcess(content string, maxTokens int) bool

	// Process reduces lines to the budget, keeping the newest ones.
	Process(lines []string) []string
}
