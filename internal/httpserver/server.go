// Package httpserver serves the HTML report and the latest results over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/olegiv/weblog-scanner/internal/logging"
)

// ResultSource is the narrow contract the API needs from the scanner.
type ResultSource interface {
	LatestResults() ([]*ai.Result, error)
	LastScan() time.Time
}

// Server exposes the report and scan results.
type Server struct {
	addr       string
	reportPath string
	source     ResultSource
	log        *logging.SecureLogger
	server     *http.Server
	errc       chan error
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
}

// NewServer creates a new HTTP server.
func NewServer(addr, reportPath string, source ResultSource, log *logging.SecureLogger) *Server {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:       addr,
		reportPath: reportPath,
		source:     source,
		log:        log,
		errc:       make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleReport)
	r.GET("/api/results", s.handleResults)
	r.GET("/api/health", s.handleHealth)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- err
		}
	}()
	return nil
}

// Run serves until ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-s.errc:
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleReport(c *gin.Context) {
	if _, err := os.Stat(s.reportPath); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report has not been generated yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.File(s.reportPath)
}

func (s *Server) handleResults(c *gin.Context) {
	results, err := s.source.LatestResults()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load latest results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
		return
	}
	if results == nil {
		results = []*ai.Result{}
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	var lastScan interface{}
	if t := s.source.LastScan(); !t.IsZero() {
		lastScan = t.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"last_scan": lastScan,
	})
}
