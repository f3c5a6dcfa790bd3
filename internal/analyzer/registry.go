package analyzer

import (
	"fmt"
	"regexp"
	"sync"
)

// StreamName identifies a log stream. It is sent to the AI provider as the
// log type and shown in reports.
type StreamName string

// Built-in streams.
const (
	StreamNginxAccess StreamName = "nginx_access"
	StreamNginxError  StreamName = "nginx_error"
	StreamPHPFPM      StreamName = "php_fpm"

	// StreamServiceStatus tags the synthetic health probe result.
	StreamServiceStatus StreamName = "service_status"
	// StreamSystemError tags the synthetic result of a fatal scan fault.
	StreamSystemError StreamName = "system_error"
)

// Stream bundles everything needed to scan one log file.
type Stream struct {
	Name         StreamName
	Path         string
	Lines        int
	Reader       LogReader
	Preprocessor Preprocessor
}

// Registry holds the configured streams in scan order.
// It provides thread-safe access to stream configurations.
type Registry struct {
	mu      sync.RWMutex
	streams map[StreamName]*Stream
	order   []StreamName
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[StreamName]*Stream),
	}
}

// Register adds a stream to the registry.
// Re-registering a name replaces the stream but keeps its position.
func (r *Registry) Register(stream *Stream) error {
	if stream == nil {
		return fmt.Errorf("cannot register nil stream")
	}
	if err := ValidateStreamName(string(stream.Name)); err != nil {
		return err
	}
	if stream.Path == "" {
		return fmt.Errorf("stream %q path cannot be empty", stream.Name)
	}
	if stream.Lines <= 0 {
		return fmt.Errorf("stream %q lines must be positive, got %d", stream.Name, stream.Lines)
	}
	if stream.Reader == nil {
		return fmt.Errorf("stream %q reader cannot be nil", stream.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.Name]; !exists {
		r.order = append(r.order, stream.Name)
	}
	r.streams[stream.Name] = stream
	return nil
}

// Get retrieves a stream by name.
// Returns nil and false if the stream is not registered.
func (r *Registry) Get(name StreamName) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.streams[name]
	return stream, ok
}

// MustGet retrieves a stream by name or panics if not found.
// Use this only when you're certain the stream is registered.
func (r *Registry) MustGet(name StreamName) *Stream {
	stream, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("stream %q not registered", name))
	}
	return stream
}

// List returns all registered streams in registration order.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams := make([]*Stream, 0, len(r.order))
	for _, name := range r.order {
		streams = append(streams, r.streams[name])
	}
	return streams
}

// Paths returns the file path of every registered stream.
func (r *Registry) Paths() []string {
	streams := r.List()
	paths := make([]string, 0, len(streams))
	for _, s := range streams {
		paths = append(paths, s.Path)
	}
	return paths
}

// Has checks if a stream is registered.
func (r *Registry) Has(name StreamName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.streams[name]
	return ok
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

var streamNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// reservedStreamNames are produced by the scanner itself.
var reservedStreamNames = map[StreamName]bool{
	StreamServiceStatus: true,
	StreamSystemError:   true,
}

// DefaultStreamNames returns the built-in streams in scan order.
func DefaultStreamNames() []StreamName {
	return []StreamName{StreamNginxAccess, StreamNginxError, StreamPHPFPM}
}

// ValidateStreamName checks that s can be used as a stream name.
// Names are lowercase identifiers and must not collide with the
// scanner's synthetic result types.
func ValidateStreamName(s string) error {
	if !streamNamePattern.MatchString(s) {
		return fmt.Errorf("invalid stream name: %q (must match %s)", s, streamNamePattern.String())
	}
	if reservedStreamNames[StreamName(s)] {
		return fmt.Errorf("stream name %q is reserved", s)
	}
	return nil
}
