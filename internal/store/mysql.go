package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL opens the production relational backend.
//
// The DSN follows the go-sql-driver format, e.g.
// "user:pass@tcp(db:3306)/loom". parseTime is forced on so timestamp
// columns scan into time.Time.
func OpenMySQL(dsn string) (Store, error) {
	dsn = ensureParseTime(dsn)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := migrateMySQL(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{db: db, dialect: "mysql"}, nil
}

func ensureParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "parseTime=true"
}

func migrateMySQL(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_type VARCHAR(128) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			current_step VARCHAR(128),
			worker_id VARCHAR(128),
			version BIGINT NOT NULL DEFAULT 1,
			retry_counts JSON NOT NULL,
			state_snapshot LONGTEXT,
			error_message TEXT,
			idempotency_key VARCHAR(191),
			callback_url VARCHAR(2048),
			callback_enabled TINYINT(1) NOT NULL DEFAULT 0,
			callback_events JSON,
			typed_inputs JSON,
			created_at DATETIME(6) NOT NULL,
			started_at DATETIME(6),
			completed_at DATETIME(6),
			updated_at DATETIME(6) NOT NULL,
			deleted_at DATETIME(6),
			UNIQUE KEY idx_tasks_idempotency (idempotency_key),
			KEY idx_tasks_status (status, deleted_at),
			KEY idx_tasks_dispatch (status, priority, created_at),
			KEY idx_tasks_updated (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS task_results (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			result_type VARCHAR(64) NOT NULL,
			content LONGTEXT NOT NULL,
			metadata JSON,
			created_at DATETIME(6) NOT NULL,
			KEY idx_results_task (task_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS quality_checks (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			phase VARCHAR(32) NOT NULL,
			score DOUBLE NOT NULL,
			passed TINYINT(1) NOT NULL,
			hard_ok TINYINT(1) NOT NULL,
			details JSON,
			fixes JSON,
			rubric VARCHAR(64),
			model_name VARCHAR(128),
			checked_at DATETIME(6) NOT NULL,
			KEY idx_checks_task (task_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mysql schema: %w", err)
		}
	}
	return nil
}
