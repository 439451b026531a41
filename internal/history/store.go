package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Entry is one appended workflow execution record.
type Entry struct {
	WorkflowID      string    `db:"workflow_id"`
	WorkflowName    string    `db:"workflow_name"`
	Mode            string    `db:"mode"`
	DurationSeconds float64   `db:"duration_seconds"`
	TaskCount       int       `db:"task_count"`
	SuccessfulTasks int       `db:"successful_tasks"`
	FailedTasks     int       `db:"failed_tasks"`
	FinalResult     string    `db:"final_result"` // JSON; empty when no synthesis ran
	ExecutedAt      time.Time `db:"executed_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	workflow_id      TEXT NOT NULL,
	workflow_name    TEXT NOT NULL,
	mode             TEXT NOT NULL,
	duration_seconds REAL NOT NULL,
	task_count       INTEGER NOT NULL,
	successful_tasks INTEGER NOT NULL,
	failed_tasks     INTEGER NOT NULL,
	final_result     TEXT NOT NULL DEFAULT '',
	executed_at      TIMESTAMP NOT NULL
)`

// Store is the append-only workflow execution log. It works against
// sqlite (the local default) or postgres, selected by driver name.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects using the given driver ("sqlite3" or "postgres") and DSN
// and ensures the schema exists.
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Append records one execution.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	query := s.db.Rebind(`INSERT INTO workflow_executions
		(workflow_id, workflow_name, mode, duration_seconds, task_count, successful_tasks, failed_tasks, final_result, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.WorkflowID, e.WorkflowName, e.Mode, e.DurationSeconds,
		e.TaskCount, e.SuccessfulTasks, e.FailedTasks, e.FinalResult, e.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// Recent returns the latest n executions, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 5
	}
	query := s.db.Rebind(`SELECT workflow_id, workflow_name, mode, duration_seconds,
		task_count, successful_tasks, failed_tasks, final_result, executed_at
		FROM workflow_executions ORDER BY executed_at DESC LIMIT ?`)
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, n); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return entries, nil
}

// Count returns the total number of recorded executions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM workflow_executions`); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
