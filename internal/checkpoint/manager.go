// Package checkpoint provides the small abstraction over "the latest known
// workflow state of a task": save projects the in-flight state into the
// task's snapshot column, load retrieves and validates it, and Restore
// merges it over a freshly built initial state without ever letting the
// checkpoint override the immutable inputs.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

// Checkpoint is the derived view of a task's last durable state.
type Checkpoint struct {
	TaskID   string
	StepName string
	Snapshot json.RawMessage
}

// Manager wraps the store's snapshot operations and keeps a best-effort
// in-process cache. Cache loss is never a correctness bug: the store copy is
// authoritative and the cache only saves a read on the happy path.
type Manager struct {
	tasks  store.TaskRepository
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Checkpoint
}

// NewManager creates a Manager over the given task repository.
func NewManager(tasks store.TaskRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:  tasks,
		logger: logger,
		cache:  make(map[string]*Checkpoint),
	}
}

// Save persists the state as the task's new checkpoint and records the step
// name on the task row. It returns the new task version, or zero when the
// write lost a version race; the caller decides whether a lost checkpoint
// matters (in the engine it does not: the next node's checkpoint supersedes
// it).
//
// Save doubles as the cancellation suspension point: it re-reads the task at
// every node boundary anyway, and a row cancelled through the API surfaces
// here as a Cancelled error, which aborts the run instead of writing
// checkpoints onto a cancelled task.
func (m *Manager) Save(ctx context.Context, taskID, stepName string, state any) (int64, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint state: %w", err)
	}

	current, err := m.tasks.FindByID(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if current.Status == task.StatusCancelled {
		return 0, task.NewError(task.KindCancelled, "task was cancelled").
			WithDetail("taskId", taskID).WithDetail("step", stepName)
	}

	updated, err := m.tasks.SaveStateSnapshot(ctx, taskID, snapshot, current.Version)
	if err == task.ErrVersionConflict || task.KindOf(err) == task.KindVersionConflict {
		m.logger.Debug("checkpoint lost version race",
			"taskId", taskID, "step", stepName, "version", current.Version)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// The step column is advisory (status endpoint reads it); a lost race
	// here is equally harmless.
	if stepped, serr := m.tasks.UpdateCurrentStep(ctx, taskID, stepName, updated.Version); serr == nil {
		updated = stepped
	}

	m.mu.Lock()
	m.cache[taskID] = &Checkpoint{TaskID: taskID, StepName: stepName, Snapshot: snapshot}
	m.mu.Unlock()

	return updated.Version, nil
}

// Load returns the task's checkpoint, consulting the cache first. A task
// without a snapshot returns (nil, nil). A snapshot whose workflowType does
// not match the task's fails with task.ErrIncompatibleCheckpoint.
func (m *Manager) Load(ctx context.Context, taskID string) (*Checkpoint, error) {
	m.mu.RLock()
	cached, ok := m.cache[taskID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	t, err := m.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(t.StateSnapshot) == 0 {
		return nil, nil
	}

	var base struct {
		WorkflowType string `json:"workflowType"`
		CurrentStep  string `json:"currentStep"`
	}
	if err := json.Unmarshal(t.StateSnapshot, &base); err != nil {
		return nil, task.WrapError(task.KindInternal, "checkpoint snapshot is not valid JSON", err).
			WithDetail("taskId", taskID)
	}
	if base.WorkflowType != t.WorkflowType {
		return nil, task.WrapError(task.KindInternal,
			fmt.Sprintf("checkpoint workflow %q does not match task workflow %q", base.WorkflowType, t.WorkflowType),
			task.ErrIncompatibleCheckpoint)
	}

	cp := &Checkpoint{TaskID: taskID, StepName: base.CurrentStep, Snapshot: t.StateSnapshot}
	m.mu.Lock()
	m.cache[taskID] = cp
	m.mu.Unlock()
	return cp, nil
}

// Clear drops the cache entry for a task. Persisted state is untouched.
func (m *Manager) Clear(taskID string) {
	m.mu.Lock()
	delete(m.cache, taskID)
	m.mu.Unlock()
}

// InputPinner is implemented by workflow states that carry immutable request
// inputs. PinInputsFrom copies those fields from the freshly built initial
// state, undoing whatever the checkpoint wrote over them.
type InputPinner[S any] interface {
	PinInputsFrom(initial S)
}

// Restore merges a checkpoint over a freshly built initial state.
//
// The checkpoint wins for everything it recorded, except the immutable
// inputs: taskId, workflowType, mode, and the workflow's original request
// fields are always taken from initial. A corrupted checkpoint can therefore
// never redirect a resumed task to different inputs.
func Restore[S interface {
	graph.Stateful
	InputPinner[S]
}](cp *Checkpoint, initial S) (S, error) {
	restored, err := graph.DeepCopy(initial)
	if err != nil {
		return initial, fmt.Errorf("copy initial state: %w", err)
	}
	if err := json.Unmarshal(cp.Snapshot, restored); err != nil {
		return initial, task.WrapError(task.KindInternal, "unmarshal checkpoint", err).
			WithDetail("taskId", cp.TaskID)
	}

	base, init := restored.Base(), initial.Base()
	base.TaskID = init.TaskID
	base.WorkflowType = init.WorkflowType
	base.Mode = init.Mode
	base.StartTime = init.StartTime

	restored.PinInputsFrom(initial)
	return restored, nil
}
