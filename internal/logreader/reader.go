// Package logreader tails web server and application log files.
package logreader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olegiv/weblog-scanner/internal/analyzer"
)

// Compile-time interface check
var _ analyzer.LogReader = (*Reader)(nil)

// chunkSize is how much of the file is read per backwards step.
const chunkSize = 64 * 1024

// ErrEmpty is returned by ReadTail when the file has no content.
var ErrEmpty = errors.New("log file is empty")

// Reader reads the last lines of log files.
// Implements analyzer.LogReader interface.
type Reader struct {
	maxSizeMB int
}

// NewReader creates a new tail reader. maxSizeMB bounds how many bytes are
// read from the end of a file; 0 means no bound.
func NewReader(maxSizeMB int) *Reader {
	return &Reader{maxSizeMB: maxSizeMB}
}

// Tail returns the last n lines of filePath, or an empty slice when the
// file is missing, unreadable or empty.
func (r *Reader) Tail(filePath string, n int) []string {
	lines, err := r.ReadTail(filePath, n)
	if err != nil {
		return []string{}
	}
	return lines
}

// ReadTail implements analyzer.LogReader.ReadTail.
// The file is read backwards in chunks so large logs are never loaded whole.
func (r *Reader) ReadTail(filePath string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("log file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("log path is a directory: %s", filePath)
	}
	if fileInfo.Size() == 0 {
		return nil, ErrEmpty
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := r.readTailBytes(f, fileInfo.Size(), n)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, ErrEmpty
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// readTailBytes reads backwards from size until it has seen more than n
// line breaks, reached the start of the file, or hit the size bound.
func (r *Reader) readTailBytes(f io.ReaderAt, size int64, n int) ([]byte, error) {
	limit := size
	if r.maxSizeMB > 0 {
		if maxBytes := int64(r.maxSizeMB) * 1024 * 1024; maxBytes < limit {
			limit = maxBytes
		}
	}

	var buf []byte
	offset := size
	for offset > size-limit {
		step := int64(chunkSize)
		if remaining := offset - (size - limit); remaining < step {
			step = remaining
		}
		offset -= step

		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)

		// A trailing newline terminates the last line rather than starting a new one.
		if bytes.Count(bytes.TrimRight(buf, "\n"), []byte("\n")) >= n {
			break
		}
	}

	// When reading stopped mid-file, drop the first line unless it
	// starts exactly at a line boundary.
	if offset > 0 {
		prev := make([]byte, 1)
		if _, err := f.ReadAt(prev, offset-1); err != nil {
			return nil, err
		}
		if prev[0] != '\n' {
			if idx := bytes.IndexByte(buf, '\n'); idx != -1 {
				buf = buf[idx+1:]
			} else {
				buf = nil
			}
		}
	}
	return buf, nil
}

// splitLines splits data into lines that keep their trailing newline.
func splitLines(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			lines = append(lines, string(data))
			break
		}
		lines = append(lines, string(data[:idx+1]))
		data = data[idx+1:]
	}
	return lines
}

// GetSourceInfo implements analyzer.LogReader.GetSourceInfo.
// Returns metadata about the log file.
func (r *Reader) GetSourceInfo(filePath string) (map[string]interface{}, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}

	info := map[string]interface{}{
		"size_bytes": fileInfo.Size(),
		"size_mb":    float64(fileInfo.Size()) / 1024 / 1024,
		"modified":   fileInfo.ModTime(),
		"age_hours":  time.Since(fileInfo.ModTime()).Hours(),
	}

	return info, nil
}
