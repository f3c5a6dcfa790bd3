package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/olegiv/weblog-scanner/internal/analyzer"
	"gopkg.in/yaml.v3"
)

// StreamConfig represents a single log stream to scan
type StreamConfig struct {
	Name    string `yaml:"name"`    // Stream tag, also the log_type of its results
	Path    string `yaml:"path"`    // Log file path
	Lines   int    `yaml:"lines"`   // Lines to tail (default: LOG_LINES_TO_READ)
	Enabled *bool  `yaml:"enabled"` // Defaults to true
}

// Validate checks a single stream entry
func (s StreamConfig) Validate() error {
	if err := analyzer.ValidateStreamName(s.Name); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("stream '%s': path is required", s.Name)
	}
	if s.Lines < 1 {
		return fmt.Errorf("stream '%s': lines must be at least 1 (got: %d)", s.Name, s.Lines)
	}
	return nil
}

// IsEnabled reports whether the stream is scanned
func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StreamsConfig represents the streams.yaml file
type StreamsConfig struct {
	Version string         `yaml:"version"`
	Streams []StreamConfig `yaml:"streams"`
}

// Validate checks the configuration for errors
func (c *StreamsConfig) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("no streams defined in configuration")
	}

	seen := make(map[string]bool, len(c.Streams))
	enabled := 0
	for i, s := range c.Streams {
		if err := analyzer.ValidateStreamName(s.Name); err != nil {
			return fmt.Errorf("stream %d: %w", i+1, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("stream '%s' is defined more than once", s.Name)
		}
		seen[s.Name] = true
		if s.Path == "" {
			return fmt.Errorf("stream '%s': path is required", s.Name)
		}
		if s.Lines < 0 {
			return fmt.Errorf("stream '%s': lines must not be negative (got: %d)", s.Name, s.Lines)
		}
		if s.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("all streams are disabled")
	}

	return nil
}

// EnabledStreams returns the enabled streams in file order, with a zero
// line count replaced by defaultLines.
func (c *StreamsConfig) EnabledStreams(defaultLines int) []StreamConfig {
	out := make([]StreamConfig, 0, len(c.Streams))
	for _, s := range c.Streams {
		if !s.IsEnabled() {
			continue
		}
		if s.Lines == 0 {
			s.Lines = defaultLines
		}
		out = append(out, s)
	}
	return out
}

// GetStream returns a stream by name
func (c *StreamsConfig) GetStream(name string) (*StreamConfig, error) {
	for i := range c.Streams {
		if c.Streams[i].Name == name {
			return &c.Streams[i], nil
		}
	}
	return nil, fmt.Errorf("stream '%s' not found (available: %v)", name, c.ListStreams())
}

// ListStreams returns all stream names in sorted order
func (c *StreamsConfig) ListStreams() []string {
	names := make([]string, 0, len(c.Streams))
	for _, s := range c.Streams {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// DefaultStreams returns the nginx access, nginx error and php-fpm streams.
func DefaultStreams(accessPath, errorPath, phpFPMPath string, lines int) []StreamConfig {
	return []StreamConfig{
		{Name: string(analyzer.StreamNginxAccess), Path: accessPath, Lines: lines},
		{Name: string(analyzer.StreamNginxError), Path: errorPath, Lines: lines},
		{Name: string(analyzer.StreamPHPFPM), Path: phpFPMPath, Lines: lines},
	}
}

// LoadStreamsConfig loads and parses a streams.yaml file.
// If configPath is empty, it searches standard locations.
// Returns nil, nil if no config file is found (the default streams apply).
func LoadStreamsConfig(configPath string) (*StreamsConfig, string, error) {
	var searchPaths []string

	// If explicit path provided, only search that
	if configPath != "" {
		searchPaths = append(searchPaths, configPath)
	} else {
		// Standard search paths in priority order
		searchPaths = append(searchPaths,
			"./streams.yaml",
			"./configs/streams.yaml",
			"/etc/weblog-scanner/streams.yaml",
		)

		// Add user config directory if HOME is set
		if home := os.Getenv("HOME"); home != "" {
			searchPaths = append(searchPaths,
				filepath.Join(home, ".config", "weblog-scanner", "streams.yaml"),
			)
		}
	}

	for _, path := range searchPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // Try next path
			}
			return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
		}

		var config StreamsConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", path, err)
		}

		if err := config.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid config in %s: %w", path, err)
		}

		return &config, path, nil
	}

	// If explicit path was provided but not found, that's an error
	if configPath != "" {
		return nil, "", fmt.Errorf("streams config not found: %s", configPath)
	}

	return nil, "", nil
}
