package main

import (
	"fmt"
	"io"
	"os"

	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/olegiv/weblog-scanner/internal/analyzer"
	"github.com/olegiv/weblog-scanner/internal/audit"
	"github.com/olegiv/weblog-scanner/internal/config"
	"github.com/olegiv/weblog-scanner/internal/health"
	"github.com/olegiv/weblog-scanner/internal/logging"
	"github.com/olegiv/weblog-scanner/internal/logreader"
	"github.com/olegiv/weblog-scanner/internal/notification"
	"github.com/olegiv/weblog-scanner/internal/report"
	"github.com/olegiv/weblog-scanner/internal/scanner"
	"github.com/olegiv/weblog-scanner/internal/storage"
	"github.com/olegiv/weblog-scanner/pkg/logger"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      *logging.SecureLogger
	audit    *audit.Log
	router   *ai.Router
	registry *analyzer.Registry
	store    *storage.Storage
	telegram *notification.TelegramClient
	scanner  *scanner.Scanner
}

func newApp(cfg *config.Config) (_ *app, err error) {
	// Initialize logger with credential sanitization
	baseLog := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		LogDir:     cfg.LogDir,
		Filename:   "scanner.log",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	})
	a := &app{cfg: cfg, log: logging.NewSecure(baseLog)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	for _, w := range cfg.Warnings() {
		a.log.Warn().Msg(w)
	}

	// 1. Call audit log (if enabled)
	var recorder audit.Recorder = audit.Nop{}
	var auditCloser io.Closer
	if cfg.LogAIAPICalls {
		a.audit, err = audit.New(audit.Config{Path: cfg.AIAPILogPath})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
		recorder, auditCloser = a.audit, a.audit
		a.log.Info().Str("path", cfg.AIAPILogPath).Msg("AI call audit log enabled")
	}

	// 2. Provider router
	a.router = ai.NewRouter(cfg.RouterConfig(recorder, a.log))

	// 3. Log streams
	a.registry = analyzer.NewRegistry()
	reader := logreader.NewReader(cfg.MaxLogSizeMB)
	preprocessor := logreader.NewPreprocessor(cfg.MaxPayloadTokens)
	for _, s := range cfg.Streams {
		if err = a.registry.Register(&analyzer.Stream{
			Name:         analyzer.StreamName(s.Name),
			Path:         s.Path,
			Lines:        s.Lines,
			Reader:       reader,
			Preprocessor: preprocessor,
		}); err != nil {
			return nil, fmt.Errorf("failed to register stream: %w", err)
		}
	}

	// 4. History database (if enabled)
	var store scanner.ResultStore
	if cfg.EnableDatabase {
		a.store, err = storage.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		store = a.store
		a.log.Info().Str("path", cfg.DatabasePath).Msg("Database initialized")
	}

	// 5. Telegram alerts (if configured)
	var notifier scanner.Notifier
	if cfg.HasAlertsChannel() {
		a.telegram, err = notification.NewTelegramClient(cfg.TelegramBotToken, cfg.TelegramAlertsChannel, cfg.AlertSeverity())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifier = a.telegram
		botInfo := a.telegram.GetBotInfo()
		a.log.Info().
			Interface("username", botInfo["username"]).
			Str("min_severity", string(cfg.AlertSeverity())).
			Msg("Telegram alerts enabled")
	}

	// 6. Service status probe (if enabled)
	var checker scanner.HealthChecker
	if cfg.EnableServiceStatusCheck {
		checker = health.NewChecker(cfg.HealthUseSystemctl, a.log)
	}

	opts := scanner.Options{
		Registry:        a.registry,
		Analyzer:        a.router,
		Renderer:        report.NewRenderer(cfg.ReportHTMLPath),
		Store:           store,
		HistoryRuns:     cfg.ReportHistoryRuns,
		RetentionDays:   cfg.RetentionDays,
		Health:          checker,
		ServiceName:     cfg.ServiceName,
		Notifier:        notifier,
		Encoding:        cfg.Encoding(),
		Proxy:           cfg.Proxy(),
		SanitizeContent: cfg.SanitizeLogContent,
		Interval:        cfg.ScanInterval(),
		Watch:           cfg.WatchLogFiles,
		WatchDebounce:   cfg.WatchDebounce(),
		Audit:           auditCloser,
		Logger:          a.log,
	}

	a.scanner, err = scanner.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases every component. Errors are logged, not returned.
func (a *app) Close() {
	if a.telegram != nil {
		if err := a.telegram.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close Telegram client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close database")
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close audit log")
		}
	}
	if err := a.log.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
}
