// Package scanner runs scan cycles: tail every configured stream, send
// each tail for analysis, then persist, render and alert on the results.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/olegiv/weblog-scanner/internal/analyzer"
	"github.com/olegiv/weblog-scanner/internal/health"
	"github.com/olegiv/weblog-scanner/internal/logging"
	"github.com/olegiv/weblog-scanner/internal/report"
	"github.com/olegiv/weblog-scanner/internal/storage"
)

const (
	noResultSummary = "Unable to obtain analysis result from API."
	fatalSummary    = "Service terminated unexpectedly."
)

// ErrNoStreams is returned by New when the registry is empty.
var ErrNoStreams = errors.New("no log streams registered")

// Analyzer performs one analysis call. *ai.Router implements it.
type Analyzer interface {
	Analyze(ctx context.Context, req *ai.Request) *ai.Result
	ProviderName() string
}

// ResultStore persists results across restarts. *storage.Storage implements it.
type ResultStore interface {
	SaveResults(runID, provider string, results []*ai.Result) error
	GetRecentRuns(limit int) ([]*storage.Run, error)
	GetLatestByLogType() ([]*ai.Result, error)
	CleanupOldResults(days int) (int64, error)
}

// HealthChecker probes the web server. *health.Checker implements it.
type HealthChecker interface {
	Check(ctx context.Context, service string) health.Status
}

// Notifier delivers alerts. *notification.TelegramClient implements it.
type Notifier interface {
	SendScanAlert(cycle report.Cycle) (bool, error)
}

// Options wires the scanner's collaborators. Registry, Analyzer and
// Renderer are required; everything else is optional.
type Options struct {
	Registry *analyzer.Registry
	Analyzer Analyzer
	Renderer *report.Renderer

	// Store keeps history; when nil an in-memory ring is used.
	Store         ResultStore
	HistoryRuns   int
	RetentionDays int

	Health      HealthChecker
	ServiceName string

	Notifier Notifier

	// Audit is closed after every cycle so the file is flushed between scans.
	Audit io.Closer

	Encoding        ai.PayloadEncoding
	Proxy           ai.Proxy
	SanitizeContent bool

	Interval      time.Duration
	Watch         bool
	WatchDebounce time.Duration

	Logger *logging.SecureLogger
}

// Scanner orchestrates scan cycles. Only one cycle runs at a time.
type Scanner struct {
	opts Options
	log  *logging.SecureLogger
	ring *report.Ring

	cycleMu sync.Mutex

	mu       sync.RWMutex
	lastScan time.Time
	latest   map[string]*ai.Result

	now      func() time.Time
	newRunID func() string
}

// New creates a scanner.
func New(opts Options) (*Scanner, error) {
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, ErrNoStreams
	}
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("report renderer is required")
	}
	if opts.HistoryRuns < 1 {
		opts.HistoryRuns = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = 10 * time.Second
	}
	if opts.Encoding == "" {
		opts.Encoding = ai.EncodingPlain
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Scanner{
		opts:     opts,
		log:      log,
		ring:     report.NewRing(opts.HistoryRuns),
		latest:   make(map[string]*ai.Result),
		now:      time.Now,
		newRunID: uuid.NewString,
	}, nil
}

// RunOnce executes one scan cycle and returns its results in stream
// order, followed by the service status result when enabled.
func (s *Scanner) RunOnce(ctx context.Context) []*ai.Result {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	runID := s.newRunID()
	started := s.now()
	log := s.log.With("run_id", runID)
	log.Info().Int("streams", s.opts.Registry.Len()).Msg("Starting scan cycle")

	var results []*ai.Result
	for _, stream := range s.opts.Registry.List() {
		if ctx.Err() != nil {
			log.Warn().Msg("Scan cycle interrupted")
			break
		}
		results = append(results, s.scanStream(ctx, log, runID, stream))
	}

	if s.opts.Health != nil && ctx.Err() == nil {
		status := s.opts.Health.Check(ctx, s.opts.ServiceName)
		log.Info().
			Str("service", status.Service).
			Bool("running", status.Running).
			Str("method", status.Method).
			Msg("Service status checked")
		results = append(results, status.Result())
	}

	s.finishCycle(log, report.Cycle{
		RunID:     runID,
		StartedAt: started,
		Provider:  s.opts.Analyzer.ProviderName(),
		Results:   results,
	})

	log.Info().
		Int("results", len(results)).
		Dur("duration", s.now().Sub(started)).
		Msg("Scan cycle completed")
	return results
}

// Scan runs one cycle and converts a panic into a system_error entry in
// the report and a returned error.
func (s *Scanner) Scan(ctx context.Context) (results []*ai.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scan cycle failed: %v", rec)
			s.log.Error().Err(err).Msg("Fatal error during scan")
			results = []*ai.Result{s.reportFatal(err)}
		}
	}()
	return s.RunOnce(ctx), nil
}

func (s *Scanner) scanStream(ctx context.Context, log *logging.SecureLogger, runID string, stream *analyzer.Stream) *ai.Result {
	logType := string(stream.Name)

	lines, err := stream.Reader.ReadTail(stream.Path, stream.Lines)
	if err != nil || len(lines) == 0 {
		log.Warn().
			Err(err).
			Str("log_type", logType).
			Str("path", stream.Path).
			Msg("Log is empty or unreadable, skipping analysis")
		res := ai.NewSuccess(nil, fmt.Sprintf("Log file %s is empty or unreadable.", stream.Path))
		res.LogType = logType
		res.Timestamp = s.now().Format(time.RFC3339)
		return res
	}

	if stream.Preprocessor != nil {
		lines = stream.Preprocessor.Process(lines)
	}
	content := strings.Join(lines, "")
	if s.opts.SanitizeContent {
		content = ai.SanitizeLogContent(content)
	}

	log.Info().
		Str("log_type", logType).
		Int("lines", len(lines)).
		Str("provider", s.opts.Analyzer.ProviderName()).
		Msg("Analyzing log tail")

	res := s.opts.Analyzer.Analyze(ctx, &ai.Request{
		LogType:  logType,
		Payload:  ai.EncodePayload(content, s.opts.Encoding),
		Encoding: s.opts.Encoding,
		Proxy:    s.opts.Proxy,
		RunID:    runID,
	})
	if res == nil {
		res = ai.NewFailure(&ai.Failure{
			Kind:    ai.ErrorKindInternal,
			Message: "API call returned no result or an unrecoverable error.",
			Summary: noResultSummary,
		})
	}
	if res.LogType == "" {
		res.LogType = logType
	}
	if res.Timestamp == "" {
		res.Timestamp = s.now().Format(time.RFC3339)
	}

	if res.OK() {
		log.Info().
			Str("log_type", logType).
			Int("findings", len(res.Findings())).
			Str("max_severity", string(res.MaxSeverity())).
			Msg("Analysis completed")
	} else {
		log.Warn().
			Str("log_type", logType).
			Str("error_kind", string(res.Failure.Kind)).
			Str("error", res.Failure.Message).
			Msg("Analysis failed")
	}
	return res
}

// finishCycle persists, renders and alerts. Failures here are logged and
// never abort the cycle.
func (s *Scanner) finishCycle(log *logging.SecureLogger, cycle report.Cycle) {
	s.record(cycle)

	if store := s.opts.Store; store != nil {
		if err := store.SaveResults(cycle.RunID, cycle.Provider, cycle.Results); err != nil {
			log.Warn().Err(err).Msg("Failed to save results to database")
		}
		if s.opts.RetentionDays > 0 {
			deleted, err := store.CleanupOldResults(s.opts.RetentionDays)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to cleanup old results")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Old results cleaned up")
			}
		}
	} else {
		s.ring.Add(cycle)
	}

	if err := s.opts.Renderer.Render(s.history(log, cycle)); err != nil {
		log.Error().Err(err).Msg("Failed to render report")
	} else {
		log.Info().Str("path", s.opts.Renderer.Path()).Msg("Report updated")
	}

	if s.opts.Notifier != nil {
		sent, err := s.opts.Notifier.SendScanAlert(cycle)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to send alert")
		} else if sent {
			log.Info().Msg("Alert notification sent")
		}
	}

	if s.opts.Audit != nil {
		if err := s.opts.Audit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit log")
		}
	}
}

// history returns the cycles shown in the report, newest first.
func (s *Scanner) history(log *logging.SecureLogger, current report.Cycle) []report.Cycle {
	if s.opts.Store == nil {
		return s.ring.Cycles()
	}

	runs, err := s.opts.Store.GetRecentRuns(s.opts.HistoryRuns)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load report history, rendering current cycle only")
		return []report.Cycle{current}
	}
	cycles := make([]report.Cycle, 0, len(runs))
	for _, run := range runs {
		cycles = append(cycles, report.Cycle{
			RunID:     run.ID,
			StartedAt: run.StartedAt,
			Provider:  run.Provider,
			Results:   run.Results,
		})
	}
	if len(cycles) == 0 {
		cycles = append(cycles, current)
	}
	return cycles
}

func (s *Scanner) record(cycle report.Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastScan = cycle.StartedAt
	for _, res := range cycle.Results {
		if res != nil {
			s.latest[res.LogType] = res
		}
	}
}

// reportFatal records a system_error entry and renders it best-effort.
func (s *Scanner) reportFatal(cause error) *ai.Result {
	res := ai.NewFailure(&ai.Failure{
		Kind:    ai.ErrorKindInternal,
		Message: fmt.Sprintf("Fatal service error: %v", cause),
		Summary: fatalSummary,
	})
	res.LogType = string(analyzer.StreamSystemError)
	res.Timestamp = s.now().Format(time.RFC3339)

	cycle := report.Cycle{
		RunID:     s.newRunID(),
		StartedAt: s.now(),
		Provider:  s.opts.Analyzer.ProviderName(),
		Results:   []*ai.Result{res},
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Msgf("Failed to report fatal error: %v", rec)
			}
		}()
		s.record(cycle)
		if s.opts.Store != nil {
			if err := s.opts.Store.SaveResults(cycle.RunID, cycle.Provider, cycle.Results); err != nil {
				s.log.Warn().Err(err).Msg("Failed to save fatal error entry")
			}
		} else {
			s.ring.Add(cycle)
		}
		if err := s.opts.Renderer.Render(s.history(s.log, cycle)); err != nil {
			s.log.Error().Err(err).Msg("Failed to render fatal error entry")
		}
	}()
	return res
}

// Run scans immediately and then on every interval tick, and on log
// writes when watching is enabled. All scans run on the calling
// goroutine. Run returns nil when ctx is cancelled and an error when a
// cycle fails fatally.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.opts.Renderer.EnsureExists(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to create initial report")
	}

	s.log.Info().
		Dur("interval", s.opts.Interval).
		Bool("watch", s.opts.Watch).
		Msg("Scanner started")

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	var watched map[string]bool
	if s.opts.Watch {
		watcher, paths, err := s.newWatcher()
		if err != nil {
			s.log.Warn().Err(err).Msg("File watching disabled")
		} else {
			defer func() { _ = watcher.Close() }()
			events, watchErrs, watched = watcher.Events, watcher.Errors, paths
		}
	}

	if _, err := s.Scan(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scanner stopped")
			return nil

		case <-ticker.C:
			debounce = nil
			if _, err := s.Scan(ctx); err != nil {
				return err
			}

		case <-debounce:
			debounce = nil
			s.log.Info().Msg("Log change detected, scanning")
			if _, err := s.Scan(ctx); err != nil {
				return err
			}
			ticker.Reset(s.opts.Interval)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if watched[filepath.Clean(ev.Name)] && ev.Has(fsnotify.Write|fsnotify.Create) && debounce == nil {
				debounce = time.After(s.opts.WatchDebounce)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

// newWatcher watches the parent directories of every stream so rotated
// files are picked up again.
func (s *Scanner) newWatcher() (*fsnotify.Watcher, map[string]bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	paths := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range s.opts.Registry.Paths() {
		clean := filepath.Clean(p)
		paths[clean] = true
		dirs[filepath.Dir(clean)] = true
	}

	added := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch log directory")
			continue
		}
		added++
	}
	if added == 0 {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("no log directory could be watched")
	}
	return watcher, paths, nil
}

// LatestResults returns the newest result per log type, sorted by log type.
func (s *Scanner) LatestResults() ([]*ai.Result, error) {
	if s.opts.Store != nil {
		return s.opts.Store.GetLatestByLogType()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ai.Result, 0, len(s.latest))
	for _, res := range s.latest {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogType < out[j].LogType })
	return out, nil
}

// LastScan returns the start time of the most recent cycle.
func (s *Scanner) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}
