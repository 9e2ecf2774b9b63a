// Package task defines the task domain model shared by every layer of the
// engine: the task record itself, its lifecycle statuses, retry counters,
// callback configuration, and the error taxonomy the core surfaces.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. Terminal tasks
// never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle graph permits moving from s
// to next. The graph is:
//
//	pending → running → {completed, failed, cancelled}
//	running → waiting → running        (quality retry)
//	pending → cancelled               (cancel before claim)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusWaiting || next.IsTerminal()
	case StatusWaiting:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	default:
		return false
	}
}

// Mode selects how a task is executed.
type Mode string

const (
	// ModeSync runs the workflow in the request handler; the HTTP call
	// blocks until the result is ready.
	ModeSync Mode = "sync"

	// ModeAsync queues the task for the worker pool and returns
	// immediately; a webhook notifies the client on completion.
	ModeAsync Mode = "async"
)

// Event identifies a webhook event kind a client may subscribe to.
type Event string

const (
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventProgress  Event = "progress"
)

// Task is the root entity of the engine. It is owned by the store for its
// entire life; the in-flight workflow state is materialized into
// StateSnapshot after every node.
type Task struct {
	// ID is the task identifier: a client-provided idempotency key or a
	// server-generated UUID.
	ID string `json:"taskId"`

	// WorkflowType references a factory in the workflow registry.
	WorkflowType string `json:"workflowType"`

	Mode   Mode   `json:"mode"`
	Status Status `json:"status"`

	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`

	// CurrentStep is the last node name observed for this task.
	CurrentStep string `json:"currentStep,omitempty"`

	// WorkerID identifies the lease holder. Non-empty only while the task
	// is running.
	WorkerID string `json:"workerId,omitempty"`

	// Version is the monotonically increasing integer used for optimistic
	// locking. Every mutation bumps it; a mutation carrying a stale
	// version fails with ErrVersionConflict and has no side effects.
	Version int64 `json:"version"`

	// RetryCounts maps a retry-class name (e.g. "text", "image") to the
	// number of quality-gated regenerations consumed so far.
	RetryCounts map[string]int `json:"retryCounts,omitempty"`

	// StateSnapshot is the last-saved workflow state (the checkpoint).
	// Opaque JSON to everything except the owning workflow.
	StateSnapshot json.RawMessage `json:"stateSnapshot,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// IdempotencyKey deduplicates create calls. Unique when present.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	CallbackURL     string  `json:"callbackUrl,omitempty"`
	CallbackEnabled bool    `json:"callbackEnabled"`
	CallbackEvents  []Event `json:"callbackEvents,omitempty"`

	// TypedInputs is the workflow-specific request payload. Immutable
	// after create.
	TypedInputs map[string]any `json:"typedInputs,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// WantsEvent reports whether the task's callback configuration subscribes to
// the given event. A task with callbacks disabled or no URL wants nothing.
func (t *Task) WantsEvent(ev Event) bool {
	if !t.CallbackEnabled || t.CallbackURL == "" {
		return false
	}
	for _, e := range t.CallbackEvents {
		if e == ev {
			return true
		}
	}
	return false
}

// RetryCount returns the consumed budget for a retry class, zero when the
// class has never been bumped.
func (t *Task) RetryCount(class string) int {
	if t.RetryCounts == nil {
		return 0
	}
	return t.RetryCounts[class]
}

// CreateInput carries everything needed to create a task.
type CreateInput struct {
	ID             string
	WorkflowType   string
	Mode           Mode
	Priority       int
	IdempotencyKey string
	CallbackURL    string
	CallbackEvents []Event
	TypedInputs    map[string]any
}

// QualityReport records one quality-gate check for a task. Reports are
// append-only; the most recent row per phase is authoritative.
type QualityReport struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"taskId"`
	Phase     string         `json:"phase"` // "text" | "image" | custom
	Score     float64        `json:"score"` // 0-10
	Passed    bool           `json:"passed"`
	HardOK    bool           `json:"hardConstraintsPassed"`
	Details   map[string]any `json:"details,omitempty"`
	Fixes     []string       `json:"fixSuggestions,omitempty"`
	Rubric    string         `json:"rubricVersion,omitempty"`
	ModelName string         `json:"modelName,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// Result records one produced artifact for a task. Content may be inline
// text or an external reference carried in Metadata.
type Result struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"taskId"`
	ResultType string         `json:"resultType"` // "article", "finalArticle", "image", "text", ...
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
