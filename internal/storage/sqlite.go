// Package storage keeps the history of scan results in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olegiv/weblog-scanner/internal/ai"
	_ "modernc.org/sqlite"
)

// Storage handles database operations
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Run is one scan cycle and the results it produced, in scan order.
type Run struct {
	ID        string
	StartedAt time.Time
	Provider  string
	Results   []*ai.Result
}

// Database configuration constants
const (
	// busyTimeoutMs is how long SQLite waits when database is locked (5 seconds)
	busyTimeoutMs = 5000
	// maxOpenConns limits concurrent connections (SQLite works best with 1)
	maxOpenConns = 1
	// maxIdleConns is the number of idle connections to keep
	maxIdleConns = 1
	// connMaxLifetime is how long a connection can be reused
	connMaxLifetime = 30 * time.Minute
)

// createdAtLayout is fixed-width UTC so stored times sort lexically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// New creates a new storage instance
func New(dbPath string) (*Storage, error) {
	// Create directory if it doesn't exist (0700 for security - owner only)
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The _busy_timeout pragma prevents "database is locked" errors by waiting
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", dbPath, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection to avoid lock contention
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &Storage{db: db, now: time.Now}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// Schema version constants
const (
	// currentSchemaVersion is the latest schema version
	// Increment this when adding new migrations
	currentSchemaVersion = 2
)

// initSchema creates the database schema if it doesn't exist
func (s *Storage) initSchema() error {
	// Create schema_version table first (tracks migration state)
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version := s.getSchemaVersion()

	if err := s.migrateSchema(version); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	return nil
}

// getSchemaVersion returns the current schema version (0 if not set)
func (s *Storage) getSchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		return 0 // No version set, needs full migration
	}
	return version
}

// setSchemaVersion updates the schema version
func (s *Storage) setSchemaVersion(version int) error {
	// Delete existing and insert new (simpler than upsert for single row)
	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return err
	}
	return nil
}

// migrateSchema runs migrations from currentVersion to latest
func (s *Storage) migrateSchema(currentVersion int) error {
	if currentVersion >= currentSchemaVersion {
		return nil // Already up to date
	}

	log.Printf("storage: migrating schema from version %d to %d", currentVersion, currentSchemaVersion)

	// Migration 0 -> 1: Create results table
	if currentVersion < 1 {
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	}

	// Migration 1 -> 2: Add provider column
	if currentVersion < 2 {
		if err := s.migrateV2(); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	}

	if err := s.setSchemaVersion(currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	log.Printf("storage: schema migration completed successfully (now at version %d)", currentSchemaVersion)
	return nil
}

// migrateV1 creates the results table
func (s *Storage) migrateV1() error {
	log.Printf("storage: running migration v1 - create results table")

	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		log_type TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		finding_count INTEGER NOT NULL DEFAULT 0,
		max_severity TEXT NOT NULL DEFAULT 'info',
		result_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
	CREATE INDEX IF NOT EXISTS idx_results_log_type ON results(log_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 adds the provider column
func (s *Storage) migrateV2() error {
	log.Printf("storage: running migration v2 - add provider column")

	// Check if the column already exists (for databases migrated before version tracking)
	var hasProvider bool
	rows, err := s.db.Query("PRAGMA table_info(results)")
	if err != nil {
		return fmt.Errorf("failed to get table info: %w", err)
	}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == "provider" {
			hasProvider = true
			break
		}
	}
	_ = rows.Close()

	if !hasProvider {
		if _, err := s.db.Exec(`ALTER TABLE results ADD COLUMN provider TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add provider column: %w", err)
		}
	}

	return nil
}

// SaveResults stores every Result of one scan cycle in a single transaction.
func (s *Storage) SaveResults(runID, provider string, results []*ai.Result) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO results (
			run_id, created_at, timestamp, log_type, ok, error_kind,
			finding_count, max_severity, result_json, provider
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	createdAt := s.now().UTC().Format(createdAtLayout)
	for _, r := range results {
		if r == nil {
			continue
		}

		resultJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result for %s: %w", r.LogType, err)
		}

		var errorKind string
		if r.Failure != nil {
			errorKind = string(r.Failure.Kind)
		}

		if _, err := stmt.Exec(
			runID,
			createdAt,
			r.Timestamp,
			r.LogType,
			boolToInt(r.OK()),
			errorKind,
			len(r.Findings()),
			string(r.MaxSeverity()),
			string(resultJSON),
			provider,
		); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", r.LogType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// GetRecentRuns returns the last limit scan cycles, newest first.
func (s *Storage) GetRecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		return []*Run{}, nil
	}

	rows, err := s.db.Query(`
		SELECT run_id, MIN(created_at) AS started, MAX(provider)
		FROM results
		GROUP BY run_id
		ORDER BY started DESC, MAX(id) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []*Run
	for rows.Next() {
		var id, started, provider string
		if err := rows.Scan(&id, &started, &provider); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		ts, err := time.Parse(createdAtLayout, started)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to parse run time: %w", err)
		}
		runs = append(runs, &Run{ID: id, StartedAt: ts, Provider: provider})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Results are loaded after the runs cursor is closed: one connection only.
	for _, run := range runs {
		results, err := s.queryResults(`SELECT result_json FROM results WHERE run_id = ? ORDER BY id`, run.ID)
		if err != nil {
			return nil, err
		}
		run.Results = results
	}

	if runs == nil {
		runs = []*Run{}
	}
	return runs, nil
}

// GetLatestByLogType returns the most recent Result of every log type,
// sorted by log type.
func (s *Storage) GetLatestByLogType() ([]*ai.Result, error) {
	results, err := s.queryResults(`
		SELECT result_json FROM results
		WHERE id IN (SELECT MAX(id) FROM results GROUP BY log_type)
	`)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].LogType < results[j].LogType })
	return results, nil
}

// queryResults decodes the result_json column of every returned row.
func (s *Storage) queryResults(query string, args ...interface{}) ([]*ai.Result, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			log.Printf("storage: failed to close database rows: %v", err)
		}
	}(rows)

	results := []*ai.Result{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var r ai.Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		results = append(results, &r)
	}

	return results, rows.Err()
}

// CleanupOldResults deletes results stored more than N days ago
func (s *Storage) CleanupOldResults(days int) (int64, error) {
	cutoffDate := s.now().UTC().AddDate(0, 0, -days).Format(createdAtLayout)

	result, err := s.db.Exec(`DELETE FROM results WHERE created_at < ?`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old results: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// GetStatistics returns database statistics
func (s *Storage) GetStatistics() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, runs, failures, findings int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT run_id),
		       COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(finding_count), 0)
		FROM results
	`).Scan(&total, &runs, &failures, &findings)
	if err != nil {
		return nil, err
	}
	stats["total_results"] = total
	stats["total_runs"] = runs
	stats["error_results"] = failures
	stats["total_findings"] = findings

	var last sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM results`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		if ts, err := time.Parse(createdAtLayout, last.String); err == nil {
			stats["last_scan"] = ts
		}
	}

	// Highest severity distribution over successful results
	rows, err := s.db.Query(`SELECT max_severity, COUNT(*) FROM results WHERE ok = 1 GROUP BY max_severity`)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			log.Printf("storage: failed to close database rows: %v", err)
		}
	}(rows)

	severityDist := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		severityDist[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats["severity_distribution"] = severityDist

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
