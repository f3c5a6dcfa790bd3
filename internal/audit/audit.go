// Package audit appends every AI provider call attempt to a JSON Lines file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	internalerrors "github.com/olegiv/weblog-scanner/internal/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one audit record. Request is always present; Response and
// ErrorInfo describe how the attempt resolved.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Provider  string `json:"api_provider"`
	RunID     string `json:"run_id,omitempty"`
	LogType   string `json:"log_type,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Request   any    `json:"request"`
	Response  any    `json:"response,omitempty"`
	ErrorInfo string `json:"error_info,omitempty"`
}

// Recorder receives audit entries.
type Recorder interface {
	Record(entry Entry) error
}

// Config holds audit log settings.
type Config struct {
	Path      string
	MaxSizeMB int // rotation threshold; rotated files are never removed
}

// Log writes entries to a size-rotated JSON Lines file.
type Log struct {
	mu  sync.Mutex
	w   *lumberjack.Logger
	now func() time.Time
}

// New creates the audit log, creating its directory if missing.
func New(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	return &Log{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: 0,
			MaxAge:     0,
			Compress:   false,
		},
		now: time.Now,
	}, nil
}

// Record appends one entry. The timestamp is filled in when empty and
// ErrorInfo is stripped of credentials.
func (l *Log) Record(entry Entry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = l.now().Format(time.RFC3339Nano)
	}
	entry.ErrorInfo = internalerrors.SanitizeString(entry.ErrorInfo)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the current file. A later Record reopens it in append mode.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// Nop discards every entry. Used when call auditing is disabled.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Entry) error { return nil }

var (
	_ Recorder = (*Log)(nil)
	_ Recorder = Nop{}
)
