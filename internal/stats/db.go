// Package stats records criterion execution history in a project-local
// SQLite database (.stopgate/stats.db).
package stats

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// MinRunsForEstimate is how many recorded runs a criterion needs before its
// mean duration replaces the configured estimate.
const MinRunsForEstimate = 3

// DB wraps an SQLite database connection with run-history operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Run is one recorded criterion execution.
type Run struct {
	ID         int64         `json:"id"`
	Criterion  string        `json:"criterion"`
	AgentID    string        `json:"agent_id,omitempty"`
	Success    bool          `json:"success"`
	Cached     bool          `json:"cached"`
	Degraded   bool          `json:"degraded"`
	Duration   time.Duration `json:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled so concurrent agent processes can read while one writes.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenMigrated opens the database at path and applies pending migrations.
func OpenMigrated(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2Degraded},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		// OR IGNORE: two processes may race through the same migration.
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	criterion TEXT NOT NULL,
	agent_id TEXT,
	success INTEGER NOT NULL,
	cached INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_criterion ON runs(criterion);
CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
`

const migrationV2Degraded = `
ALTER TABLE runs ADD COLUMN degraded INTEGER NOT NULL DEFAULT 0;
`

// Record stores the outcome of one criterion run.
func (db *DB) Record(agentID string, r *models.Result) error {
	if r == nil {
		return nil
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO runs (criterion, agent_id, success, cached, degraded, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Criterion, nullString(agentID), boolInt(r.Success), boolInt(r.Cached), boolInt(r.Degraded),
		r.Duration.Milliseconds(), formatTime(finished))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.Criterion, err)
	}
	return nil
}

// Stats aggregates every criterion with at least one recorded run, ordered by
// criterion id. Mean duration only counts runs that actually executed.
func (db *DB) Stats() ([]models.CriterionStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT criterion,
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(cached), 0),
			COALESCE(AVG(CASE WHEN cached = 0 THEN duration_ms END), 0),
			MAX(finished_at)
		FROM runs
		GROUP BY criterion
		ORDER BY criterion
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []models.CriterionStats
	for rows.Next() {
		var (
			s      models.CriterionStats
			meanMs float64
			last   sql.NullString
		)
		if err := rows.Scan(&s.Criterion, &s.Runs, &s.Successes, &s.CachedHits, &meanMs, &last); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		s.MeanDuration = time.Duration(meanMs * float64(time.Millisecond))
		if s.Runs > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Runs)
		}
		s.LastRunAt = parseNullableTime(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Estimates returns the mean executed duration of every criterion with at
// least MinRunsForEstimate non-cached runs.
func (db *DB) Estimates() (map[string]time.Duration, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT criterion, AVG(duration_ms)
		FROM runs
		WHERE cached = 0
		GROUP BY criterion
		HAVING COUNT(*) >= ?
	`, MinRunsForEstimate)
	if err != nil {
		return nil, fmt.Errorf("query estimates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var (
			id     string
			meanMs float64
		)
		if err := rows.Scan(&id, &meanMs); err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		if meanMs > 0 {
			out[id] = time.Duration(meanMs * float64(time.Millisecond))
		}
	}
	return out, rows.Err()
}

// Recent returns the latest runs, newest first.
func (db *DB) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, criterion, agent_id, success, cached, degraded, duration_ms, finished_at
		FROM runs
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                         Run
			agent                     sql.NullString
			success, cached, degraded int
			durationMs                int64
			finished                  string
		)
		if err := rows.Scan(&r.ID, &r.Criterion, &agent, &success, &cached, &degraded, &durationMs, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.AgentID = agent.String
		r.Success = success != 0
		r.Cached = cached != 0
		r.Degraded = degraded != 0
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := parseTime(finished); err == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes runs finished before now minus olderThan.
// Returns the number of runs deleted.
func (db *DB) PurgeOlderThan(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	db.mu.Lock()
	defer db.mu.Unlock()
	result, err := db.conn.Exec(`DELETE FROM runs WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
