package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/task"
)

// sqlStore implements Store over database/sql. Both the sqlite and mysql
// backends share it: every query uses ? placeholders and ANSI expressions
// that both dialects accept, so only opening and migration differ.
//
// Optimistic locking is carried by the WHERE clause: every mutation is
//
//	UPDATE tasks SET ..., version = version + 1
//	WHERE id = ? AND version = ? AND deleted_at IS NULL
//
// One affected row is success. Zero rows means the fence rejected the write;
// a follow-up read distinguishes a stale version from a missing row.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "mysql"
}

func (s *sqlStore) Tasks() TaskRepository                 { return (*sqlTasks)(s) }
func (s *sqlStore) Results() ResultRepository             { return (*sqlResults)(s) }
func (s *sqlStore) QualityChecks() QualityCheckRepository { return (*sqlChecks)(s) }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlStore) Close() error                   { return s.db.Close() }

type sqlTasks sqlStore

const taskColumns = `id, workflow_type, mode, status, priority, current_step, worker_id,
	version, retry_counts, state_snapshot, error_message, idempotency_key,
	callback_url, callback_enabled, callback_events, typed_inputs,
	created_at, started_at, completed_at, updated_at, deleted_at`

func (s *sqlTasks) Create(ctx context.Context, in task.CreateInput) (*task.Task, bool, error) {
	if in.IdempotencyKey != "" {
		if existing, err := s.FindByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
			return existing, false, nil
		} else if err != task.ErrNotFound {
			return nil, false, err
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	events, err := json.Marshal(in.CallbackEvents)
	if err != nil {
		return nil, false, fmt.Errorf("marshal callback events: %w", err)
	}
	inputs, err := json.Marshal(in.TypedInputs)
	if err != nil {
		return nil, false, fmt.Errorf("marshal typed inputs: %w", err)
	}

	query := `
		INSERT INTO tasks (id, workflow_type, mode, status, priority, version,
			retry_counts, idempotency_key, callback_url, callback_enabled,
			callback_events, typed_inputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, '{}', ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		id, in.WorkflowType, string(in.Mode), string(task.StatusPending), in.Priority,
		nullString(in.IdempotencyKey), in.CallbackURL, in.CallbackURL != "",
		string(events), string(inputs), now, now,
	)
	if err != nil {
		// A racing insert under the same idempotency key hits the unique
		// constraint; the winner's row is the answer.
		if in.IdempotencyKey != "" {
			if existing, ferr := s.FindByIdempotencyKey(ctx, in.IdempotencyKey); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	created, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *sqlTasks) FindByID(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ? AND deleted_at IS NULL", id)
	return scanTask(row)
}

func (s *sqlTasks) FindByIdempotencyKey(ctx context.Context, key string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE idempotency_key = ? AND deleted_at IS NULL", key)
	return scanTask(row)
}

func (s *sqlTasks) List(ctx context.Context, filter ListFilter, page Page) ([]*task.Task, int, error) {
	where := "WHERE 1=1"
	var args []any
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		where += " AND workflow_type = ?"
		args = append(args, filter.WorkflowType)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks " + where + " ORDER BY created_at DESC, id ASC"
	if page.Size > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Size, page.Offset())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// fencedUpdate runs an optimistic-locking UPDATE and maps zero affected rows
// to the precise error.
func (s *sqlTasks) fencedUpdate(ctx context.Context, id string, version int64, set string, args ...any) (*task.Task, error) {
	query := "UPDATE tasks SET " + set + ", version = version + 1, updated_at = ? " +
		"WHERE id = ? AND version = ? AND deleted_at IS NULL"
	args = append(args, time.Now().UTC(), id, version)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, ferr := s.FindByID(ctx, id); ferr != nil {
			return nil, ferr
		}
		return nil, task.ErrVersionConflict
	}
	return s.FindByID(ctx, id)
}

func (s *sqlTasks) UpdateStatus(ctx context.Context, id string, status task.Status, version int64) (*task.Task, error) {
	now := time.Now().UTC()
	set := "status = ?"
	args := []any{string(status)}
	if status == task.StatusRunning {
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	}
	if status.IsTerminal() {
		set += ", completed_at = ?"
		args = append(args, now)
	}
	return s.fencedUpdate(ctx, id, version, set, args...)
}

func (s *sqlTasks) UpdateCurrentStep(ctx context.Context, id, step string, version int64) (*task.Task, error) {
	return s.fencedUpdate(ctx, id, version, "current_step = ?", step)
}

func (s *sqlTasks) ClaimTask(ctx context.Context, id, workerID string, version int64) (*task.Task, error) {
	now := time.Now().UTC()
	query := `
		UPDATE tasks
		SET status = ?, worker_id = ?, started_at = ?, current_step = 'claimed',
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND deleted_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusRunning), workerID, now, now,
		id, version, string(task.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return s.resolveFence(ctx, id, res)
}

func (s *sqlTasks) ReleaseWorker(ctx context.Context, id, workerID string, version int64) (*task.Task, error) {
	query := `
		UPDATE tasks
		SET status = ?, worker_id = '', version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND worker_id = ? AND deleted_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusPending), time.Now().UTC(),
		id, version, string(task.StatusRunning), workerID)
	if err != nil {
		return nil, fmt.Errorf("release worker: %w", err)
	}
	return s.resolveFence(ctx, id, res)
}

// resolveFence maps the result of a guarded UPDATE to the task snapshot or
// the precise rejection error.
func (s *sqlTasks) resolveFence(ctx context.Context, id string, res sql.Result) (*task.Task, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, ferr := s.FindByID(ctx, id); ferr != nil {
			return nil, ferr
		}
		return nil, task.ErrVersionConflict
	}
	return s.FindByID(ctx, id)
}

func (s *sqlTasks) SaveStateSnapshot(ctx context.Context, id string, snapshot []byte, version int64) (*task.Task, error) {
	return s.fencedUpdate(ctx, id, version, "state_snapshot = ?", string(snapshot))
}

func (s *sqlTasks) IncrementRetryCount(ctx context.Context, id, class string, version int64) (*task.Task, error) {
	// Read-modify-write on the JSON counter map; the version fence makes the
	// sequence atomic.
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != version {
		return nil, task.ErrVersionConflict
	}
	counts := current.RetryCounts
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[class]++
	raw, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("marshal retry counts: %w", err)
	}
	return s.fencedUpdate(ctx, id, version, "retry_counts = ?", string(raw))
}

func (s *sqlTasks) MarkAsCompleted(ctx context.Context, id string, version int64) (*task.Task, error) {
	now := time.Now().UTC()
	return s.fencedUpdate(ctx, id, version,
		"status = ?, worker_id = '', completed_at = ?",
		string(task.StatusCompleted), now)
}

func (s *sqlTasks) MarkAsFailed(ctx context.Context, id, message string, version int64) (*task.Task, error) {
	now := time.Now().UTC()
	return s.fencedUpdate(ctx, id, version,
		"status = ?, error_message = ?, worker_id = '', completed_at = ?",
		string(task.StatusFailed), message, now)
}

func (s *sqlTasks) GetPendingTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE status = ? AND deleted_at IS NULL
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, string(task.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlTasks) GetStaleRunning(ctx context.Context, olderThanSeconds int) ([]*task.Task, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE status = ? AND deleted_at IS NULL AND updated_at < ?
		ORDER BY updated_at ASC`
	rows, err := s.db.QueryContext(ctx, query, string(task.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale running tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlTasks) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET deleted_at = ?, updated_at = ?, version = version + 1 WHERE id = ? AND deleted_at IS NULL",
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *sqlTasks) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_results WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete task results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM quality_checks WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete quality checks: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return task.ErrNotFound
	}
	return tx.Commit()
}

func (s *sqlTasks) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks WHERE deleted_at IS NULL GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

type sqlResults sqlStore

func (s *sqlResults) Create(ctx context.Context, r *task.Result) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal result metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO task_results (task_id, result_type, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		r.TaskID, r.ResultType, r.Content, string(meta), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

func (s *sqlResults) FindByTaskID(ctx context.Context, taskID string) ([]*task.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, result_type, content, metadata, created_at FROM task_results WHERE task_id = ? ORDER BY id DESC",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Result
	for rows.Next() {
		var r task.Result
		var meta sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ResultType, &r.Content, &meta, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal result metadata: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type sqlChecks sqlStore

func (s *sqlChecks) Create(ctx context.Context, r *task.QualityReport) error {
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("marshal check details: %w", err)
	}
	fixes, err := json.Marshal(r.Fixes)
	if err != nil {
		return fmt.Errorf("marshal fix suggestions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO quality_checks (task_id, phase, score, passed, hard_ok, details, fixes, rubric, model_name, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Phase, r.Score, r.Passed, r.HardOK,
		string(details), string(fixes), r.Rubric, r.ModelName, r.CheckedAt)
	if err != nil {
		return fmt.Errorf("insert quality check: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

func (s *sqlChecks) FindByTaskID(ctx context.Context, taskID string) ([]*task.QualityReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, phase, score, passed, hard_ok, details, fixes, rubric, model_name, checked_at
		FROM quality_checks WHERE task_id = ? ORDER BY id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query quality checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.QualityReport
	for rows.Next() {
		var r task.QualityReport
		var details, fixes sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Phase, &r.Score, &r.Passed, &r.HardOK,
			&details, &fixes, &r.Rubric, &r.ModelName, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan quality check: %w", err)
		}
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
				return nil, fmt.Errorf("unmarshal check details: %w", err)
			}
		}
		if fixes.Valid && fixes.String != "" && fixes.String != "null" {
			if err := json.Unmarshal([]byte(fixes.String), &r.Fixes); err != nil {
				return nil, fmt.Errorf("unmarshal fix suggestions: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t              task.Task
		mode, status   string
		retryCounts    sql.NullString
		snapshot       sql.NullString
		errorMessage   sql.NullString
		idempotencyKey sql.NullString
		callbackURL    sql.NullString
		currentStep    sql.NullString
		workerID       sql.NullString
		events, inputs sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		deletedAt      sql.NullTime
	)

	err := row.Scan(&t.ID, &t.WorkflowType, &mode, &status, &t.Priority, &currentStep, &workerID,
		&t.Version, &retryCounts, &snapshot, &errorMessage, &idempotencyKey,
		&callbackURL, &t.CallbackEnabled, &events, &inputs,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Mode = task.Mode(mode)
	t.Status = task.Status(status)
	t.CurrentStep = currentStep.String
	t.WorkerID = workerID.String
	t.ErrorMessage = errorMessage.String
	t.IdempotencyKey = idempotencyKey.String
	t.CallbackURL = callbackURL.String
	if snapshot.Valid && snapshot.String != "" {
		t.StateSnapshot = []byte(snapshot.String)
	}
	if retryCounts.Valid && retryCounts.String != "" {
		if err := json.Unmarshal([]byte(retryCounts.String), &t.RetryCounts); err != nil {
			return nil, fmt.Errorf("unmarshal retry counts: %w", err)
		}
	}
	if events.Valid && events.String != "" && events.String != "null" {
		if err := json.Unmarshal([]byte(events.String), &t.CallbackEvents); err != nil {
			return nil, fmt.Errorf("unmarshal callback events: %w", err)
		}
	}
	if inputs.Valid && inputs.String != "" && inputs.String != "null" {
		if err := json.Unmarshal([]byte(inputs.String), &t.TypedInputs); err != nil {
			return nil, fmt.Errorf("unmarshal typed inputs: %w", err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		t.DeletedAt = &v
	}
	return &t, nil
}

// nullString maps "" to NULL so the unique index on idempotency_key ignores
// tasks created without one.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
