// Package store provides the durable home of all task state: the task
// repository with optimistic-locking mutations, and the append-oriented
// result and quality-check repositories.
//
// Three backends satisfy the same contract and are selected by
// configuration:
//   - memory: mutex-guarded maps, for tests and single-process development
//   - sqlite: embedded single-file database (modernc.org/sqlite, WAL mode)
//   - mysql: the production relational database
//
// Every mutating operation is an UPDATE ... WHERE id=? AND version=? AND
// deleted_at IS NULL (or the backend equivalent) that reports rows-affected:
// one row means success, zero rows means task.ErrVersionConflict or
// task.ErrNotFound, distinguished by a follow-up read.
package store

import (
	"context"

	"github.com/loomworks/loom/internal/task"
)

// ListFilter narrows task listings. Zero values mean "no constraint".
type ListFilter struct {
	Status         task.Status
	WorkflowType   string
	IncludeDeleted bool
}

// Page bounds a listing. Page numbers are 1-based.
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// TaskRepository is the durable store of task records.
//
// All mutating operations take the caller's last-observed version and fail
// with task.ErrVersionConflict (without side effects) when it is stale;
// task.ErrNotFound reports a missing or soft-deleted task. Higher layers
// must refresh the version after a conflict before deciding to retry.
type TaskRepository interface {
	// Create inserts a pending task with version 1, or — when the input
	// carries an idempotency key that already exists — returns the
	// existing task unchanged. The bool reports whether a new row was
	// created.
	Create(ctx context.Context, in task.CreateInput) (*task.Task, bool, error)

	// FindByID returns a snapshot of the task, or task.ErrNotFound.
	FindByID(ctx context.Context, id string) (*task.Task, error)

	// FindByIdempotencyKey returns the task created under the key, or
	// task.ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*task.Task, error)

	// List returns tasks matching the filter, ordered created-at
	// descending with the task id as tie-break, plus the total count.
	List(ctx context.Context, filter ListFilter, page Page) ([]*task.Task, int, error)

	// UpdateStatus sets the status and bumps the version. It stamps
	// startedAt on the first transition to running and completedAt on any
	// transition to a terminal status.
	UpdateStatus(ctx context.Context, id string, status task.Status, version int64) (*task.Task, error)

	// UpdateCurrentStep records the last node name observed.
	UpdateCurrentStep(ctx context.Context, id, step string, version int64) (*task.Task, error)

	// ClaimTask atomically grants the worker the execution lease:
	// it succeeds only when status is pending and the version matches,
	// then sets workerId, status=running, startedAt, currentStep=claimed.
	ClaimTask(ctx context.Context, id, workerID string, version int64) (*task.Task, error)

	// ReleaseWorker returns a leased task to pending and clears the
	// workerId. It succeeds only when the caller currently owns the
	// lease. Used for crash recovery.
	ReleaseWorker(ctx context.Context, id, workerID string, version int64) (*task.Task, error)

	// SaveStateSnapshot overwrites the task's checkpoint.
	SaveStateSnapshot(ctx context.Context, id string, snapshot []byte, version int64) (*task.Task, error)

	// IncrementRetryCount bumps the named retry-class counter.
	IncrementRetryCount(ctx context.Context, id, class string, version int64) (*task.Task, error)

	// MarkAsCompleted transitions the task to its successful terminal
	// state.
	MarkAsCompleted(ctx context.Context, id string, version int64) (*task.Task, error)

	// MarkAsFailed transitions the task to failed with the message.
	MarkAsFailed(ctx context.Context, id, message string, version int64) (*task.Task, error)

	// GetPendingTasks returns up to limit pending tasks ordered by
	// priority descending then created-at ascending, skipping
	// soft-deleted rows. Used by the dispatcher.
	GetPendingTasks(ctx context.Context, limit int) ([]*task.Task, error)

	// GetStaleRunning returns running tasks whose updatedAt is older than
	// the cutoff, for lease recovery.
	GetStaleRunning(ctx context.Context, olderThanSeconds int) ([]*task.Task, error)

	// SoftDelete stamps deletedAt, hiding the task from normal queries.
	SoftDelete(ctx context.Context, id string) error

	// Delete removes the row and its dependents.
	Delete(ctx context.Context, id string) error

	// CountByStatus returns task counts keyed by status, for stats.
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
}

// ResultRepository is append-oriented: rows are created and listed, never
// updated. Deleting a task deletes its results in the same logical unit.
type ResultRepository interface {
	Create(ctx context.Context, r *task.Result) error
	FindByTaskID(ctx context.Context, taskID string) ([]*task.Result, error)
}

// QualityCheckRepository appends quality reports; every check adds a row and
// the most recent per phase is authoritative. FindByTaskID orders newest
// first.
type QualityCheckRepository interface {
	Create(ctx context.Context, r *task.QualityReport) error
	FindByTaskID(ctx context.Context, taskID string) ([]*task.QualityReport, error)
}

// Store bundles the three repositories a backend provides.
type Store interface {
	Tasks() TaskRepository
	Results() ResultRepository
	QualityChecks() QualityCheckRepository

	// Ping reports backend health for the health endpoint.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
