package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and if needed creates) the single-file backend.
//
// The path may be a file path or ":memory:" for tests. WAL mode keeps
// readers unblocked while the single writer commits; the busy timeout lets
// concurrent workers wait for the write lock instead of failing fast.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{db: db, dialect: "sqlite"}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			current_step TEXT,
			worker_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			retry_counts TEXT NOT NULL DEFAULT '{}',
			state_snapshot TEXT,
			error_message TEXT,
			idempotency_key TEXT,
			callback_url TEXT,
			callback_enabled INTEGER NOT NULL DEFAULT 0,
			callback_events TEXT,
			typed_inputs TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		)`,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, deleted_at)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(status, updated_at)",
		`CREATE TABLE IF NOT EXISTS task_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			result_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_results_task ON task_results(task_id)",
		`CREATE TABLE IF NOT EXISTS quality_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			score REAL NOT NULL,
			passed INTEGER NOT NULL,
			hard_ok INTEGER NOT NULL,
			details TEXT,
			fixes TEXT,
			rubric TEXT,
			model_name TEXT,
			checked_at TIMESTAMP NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_checks_task ON quality_checks(task_id)",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}
