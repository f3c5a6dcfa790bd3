package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{
		Level:      "info",
		LogDir:     tmpDir,
		MaxSizeMB:  10,
		MaxBackups: 5,
	})
	if logger == nil {
		t.Fatal("Expected logger to be created")
	}
	defer func() { _ = logger.Close() }()

	logger.Info().Msg("scanner started")

	path := filepath.Join(tmpDir, DefaultFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "scanner started") {
		t.Errorf("log file missing message, got %q", string(data))
	}
}

func TestNew_CustomFilename(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{LogDir: tmpDir, Filename: "custom.log"})
	defer func() { _ = logger.Close() }()

	logger.Warn().Msg("hello")

	if _, err := os.Stat(filepath.Join(tmpDir, "custom.log")); err != nil {
		t.Errorf("custom log file not created: %v", err)
	}
}

func TestNew_InvalidDirectory(t *testing.T) {
	logger := New(Config{
		Level:  "info",
		LogDir: "/this/path/should/not/exist/and/fail",
	})

	// Falls back to stderr
	if logger == nil {
		t.Fatal("Expected logger to be created even with invalid directory (fallback)")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on fallback logger = %v, want nil", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWriter(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer

	logger := NewWriter(&buf)
	logger.Info().Str("log_type", "nginx_access").Msg("analyzed")

	out := buf.String()
	if !strings.Contains(out, `"log_type":"nginx_access"`) {
		t.Errorf("output missing field: %s", out)
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error().Msg("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestWithFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer

	base := NewWriter(&buf)
	derived := base.WithField("provider", "gemini").
		WithFields(map[string]interface{}{"attempt": 2}).
		WithError(errors.New("timeout"))

	derived.Info().Msg("retrying")

	out := buf.String()
	for _, want := range []string{`"provider":"gemini"`, `"attempt":2`, `"error":"timeout"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}

	buf.Reset()
	base.Info().Msg("plain")
	if strings.Contains(buf.String(), "provider") {
		t.Error("WithField modified the original logger")
	}
}
