// Package history archives finished loop runs to a local sqlite database so
// past runs stay inspectable after the process exits.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tabnerd/internal/logging"
)

// Run is one archived loop run.
type Run struct {
	RunID      string
	TaskPath   string
	Status     string
	Iterations int
	Errors     int
	LastOutput string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store manages the run archive database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore creates or opens the run archive at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		task_path TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		last_output TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun inserts or replaces one archived run. Re-recording the same run
// id updates it, so a resumed run overwrites its earlier terminal row.
func (s *Store) RecordRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.RunID == "" {
		run.RunID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO runs (run_id, task_path, status, iterations, errors,
			last_output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.TaskPath, run.Status, run.Iterations, run.Errors,
		run.LastOutput, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	logging.History("archived run %s: %s after %d iterations", run.RunID, run.Status, run.Iterations)
	return nil
}

// GetRecentRuns returns the newest runs, most recently finished first.
func (s *Store) GetRecentRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, task_path, status, iterations, errors, last_output, started_at, finished_at
		FROM runs
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.TaskPath, &r.Status, &r.Iterations, &r.Errors,
			&r.LastOutput, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun loads one run by id, or nil when it was never archived.
func (s *Store) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Run
	err := s.db.QueryRow(`
		SELECT run_id, task_path, status, iterations, errors, last_output, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.TaskPath, &r.Status, &r.Iterations, &r.Errors,
		&r.LastOutput, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &r, nil
}

// CountByStatus summarizes the archive for display.
func (s *Store) CountByStatus() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
