package logreader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func numberedLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "203.0.113.%d - - \"GET /page/%d HTTP/1.1\" 200\n", i%255, i)
	}
	return b.String()
}

func TestNewReader(t *testing.T) {
	reader := NewReader(10)
	if reader == nil {
		t.Fatal("Expected reader to be created")
	}
	if reader.maxSizeMB != 10 {
		t.Errorf("Expected maxSizeMB 10, got %d", reader.maxSizeMB)
	}
}

func TestReadTail_FileNotFound(t *testing.T) {
	reader := NewReader(10)

	_, err := reader.ReadTail("/nonexistent/file.log", 10)
	if err == nil {
		t.Fatal("Expected error for nonexistent file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected 'not found' error, got: %v", err)
	}
}

func TestReadTail_LastLines(t *testing.T) {
	path := writeLog(t, numberedLines(100))
	reader := NewReader(10)

	lines, err := reader.ReadTail(path, 5)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "/page/96 ") || !strings.Contains(lines[4], "/page/100 ") {
		t.Errorf("Unexpected tail: first=%q last=%q", lines[0], lines[4])
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, "\n") {
			t.Errorf("Line should keep its newline: %q", line)
		}
	}
}

func TestReadTail_FewerLinesThanRequested(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree")
	reader := NewReader(10)

	lines, err := reader.ReadTail(path, 50)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if strings.Join(lines, "") != "one\ntwo\nthree" {
		t.Errorf("Unexpected lines: %q", lines)
	}
}

func TestReadTail_SpansChunks(t *testing.T) {
	// Each line is ~1KB so 200 lines span several backwards reads.
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "%04d %s\n", i, strings.Repeat("x", 1000))
	}
	path := writeLog(t, b.String())
	reader := NewReader(10)

	lines, err := reader.ReadTail(path, 150)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(lines) != 150 {
		t.Fatalf("Expected 150 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "0050 ") {
		t.Errorf("First line = %q, want line 0050", lines[0][:10])
	}
}

func TestReadTail_SizeBound(t *testing.T) {
	// 2MB of lines with a 1MB bound: only the tail is read.
	var b strings.Builder
	line := strings.Repeat("y", 1023) + "\n"
	for b.Len() < 2*1024*1024 {
		b.WriteString(line)
	}
	path := writeLog(t, b.String())
	reader := NewReader(1)

	lines, err := reader.ReadTail(path, 5000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(lines) > 1024 {
		t.Errorf("Read %d lines, expected at most 1024 under a 1MB bound", len(lines))
	}
	for _, l := range lines {
		if l != line {
			t.Fatal("Partial line returned")
		}
	}
}

func TestReadTail_Empty(t *testing.T) {
	path := writeLog(t, "")
	reader := NewReader(10)

	if _, err := reader.ReadTail(path, 10); err != ErrEmpty {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}

func TestReadTail_Directory(t *testing.T) {
	reader := NewReader(10)
	if _, err := reader.ReadTail(t.TempDir(), 10); err == nil {
		t.Error("Expected error for directory")
	}
}

func TestTail_EmptySliceOnFailure(t *testing.T) {
	reader := NewReader(10)

	for _, path := range []string{"/nonexistent/file.log", writeLog(t, "")} {
		lines := reader.Tail(path, 10)
		if lines == nil || len(lines) != 0 {
			t.Errorf("Tail(%q) = %#v, want empty slice", path, lines)
		}
	}

	if lines := reader.Tail(writeLog(t, "a\nb\n"), 0); len(lines) != 0 {
		t.Errorf("Tail(n=0) = %q", lines)
	}
}

func TestGetSourceInfo(t *testing.T) {
	path := writeLog(t, numberedLines(10))
	reader := NewReader(10)

	info, err := reader.GetSourceInfo(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, key := range []string{"size_bytes", "size_mb", "modified", "age_hours"} {
		if _, ok := info[key]; !ok {
			t.Errorf("Expected key %s in info", key)
		}
	}

	if _, err := reader.GetSourceInfo("/nonexistent"); err == nil {
		t.Error("Expected error for nonexistent file")
	}
}
