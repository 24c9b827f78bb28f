// Package history keeps an optional SQLite ledger of pipeline runs: one
// summary row per processed issue, used by the history command, the gateway
// and the daily digest.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/xiaogangdengdai/autotask/internal/pipeline"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, modernc.org/sqlite
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// timeLayout keeps timestamps lexically ordered: always UTC, fixed width.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Config holds run ledger settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver" validate:"omitempty,oneof=sqlite sqlite3"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the ledger defaults. The ledger is off unless enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Driver:  DriverModernc,
		Path:    "autotask.db",
	}
}

// Entry is one recorded run.
type Entry struct {
	RunID      string        `json:"run_id"`
	IssueID    string        `json:"issue_id"`
	IssueType  string        `json:"issue_type"`
	Outcome    string        `json:"outcome"`
	Reason     string        `json:"reason"`
	Reconciled bool          `json:"reconciled"`
	Stage1Path string        `json:"stage1_path"`
	Stage2Path string        `json:"stage2_path"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ms"`
}

// Summary aggregates runs finished since a point in time.
type Summary struct {
	Since        time.Time `json:"since"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	Abandoned    int       `json:"abandoned"`
	Unreconciled int       `json:"unreconciled"`
}

// Store persists run summaries to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path using driver. An empty
// driver selects the pure-Go driver. path may be ":memory:".
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create history directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history store migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL DEFAULT '',
			issue_type TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			reconciled INTEGER NOT NULL DEFAULT 0,
			stage1_path TEXT NOT NULL DEFAULT '',
			stage2_path TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Record stores a finished run. Recording the same run twice replaces it.
func (s *Store) Record(ctx context.Context, run *pipeline.Run) error {
	issueType := ""
	if run.Record.HasID() {
		issueType = run.Record.Type.String()
	}
	finished := run.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, issue_id, issue_type, outcome, reason, reconciled,
			stage1_path, stage2_path, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Record.ID, issueType, string(run.Outcome), run.Reason, boolToInt(run.Reconciled),
		run.Stage1Path, run.Stage2Path, formatTime(run.StartedAt), formatTime(finished),
		finished.Sub(run.StartedAt).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, issue_id, issue_type, outcome, reason, reconciled,
			stage1_path, stage2_path, started_at, finished_at, duration_ms
		FROM runs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			reconciled        int
			started, finished string
			durationMS        int64
		)
		if err := rows.Scan(&e.RunID, &e.IssueID, &e.IssueType, &e.Outcome, &e.Reason, &reconciled,
			&e.Stage1Path, &e.Stage2Path, &started, &finished, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.Reconciled = reconciled != 0
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary counts runs finished at or after since.
func (s *Store) Summary(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{Since: since}
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, reconciled, COUNT(*) FROM runs
		WHERE finished_at >= ? GROUP BY outcome, reconciled`, formatTime(since))
	if err != nil {
		return sum, fmt.Errorf("failed to summarize runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			outcome    string
			reconciled int
			n          int
		)
		if err := rows.Scan(&outcome, &reconciled, &n); err != nil {
			return sum, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Total += n
		switch pipeline.Outcome(outcome) {
		case pipeline.OutcomeCompleted:
			sum.Completed += n
		case pipeline.OutcomeFailed:
			sum.Failed += n
		default:
			sum.Abandoned += n
		}
		if reconciled == 0 && pipeline.Outcome(outcome) != pipeline.OutcomeAbandoned {
			sum.Unreconciled += n
		}
	}
	return sum, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
