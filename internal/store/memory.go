package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/task"
)

// MemoryStore is the in-memory backend. It is the reference implementation
// of the locking contract and the drop-in store for tests; all semantics
// (version fencing, idempotent create, lease exclusivity, soft-delete
// visibility) match the SQL backends exactly.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	byIdem   map[string]string // idempotencyKey -> taskID
	results  map[string][]*task.Result
	checks   map[string][]*task.QualityReport
	resultID int64
	checkID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*task.Task),
		byIdem:  make(map[string]string),
		results: make(map[string][]*task.Result),
		checks:  make(map[string][]*task.QualityReport),
	}
}

// Tasks returns the task repository.
func (m *MemoryStore) Tasks() TaskRepository { return (*memTasks)(m) }

// Results returns the result repository.
func (m *MemoryStore) Results() ResultRepository { return (*memResults)(m) }

// QualityChecks returns the quality-check repository.
func (m *MemoryStore) QualityChecks() QualityCheckRepository { return (*memChecks)(m) }

// Ping always succeeds for the in-memory backend.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

type memTasks MemoryStore

func (m *memTasks) Create(_ context.Context, in task.CreateInput) (*task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.IdempotencyKey != "" {
		if id, ok := m.byIdem[in.IdempotencyKey]; ok {
			if existing, ok := m.tasks[id]; ok && existing.DeletedAt == nil {
				return copyTask(existing), false, nil
			}
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	t := &task.Task{
		ID:              id,
		WorkflowType:    in.WorkflowType,
		Mode:            in.Mode,
		Status:          task.StatusPending,
		Priority:        in.Priority,
		Version:         1,
		IdempotencyKey:  in.IdempotencyKey,
		CallbackURL:     in.CallbackURL,
		CallbackEnabled: in.CallbackURL != "",
		CallbackEvents:  append([]task.Event(nil), in.CallbackEvents...),
		TypedInputs:     in.TypedInputs,
		RetryCounts:     make(map[string]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.tasks[id] = t
	if in.IdempotencyKey != "" {
		m.byIdem[in.IdempotencyKey] = id
	}
	return copyTask(t), true, nil
}

func (m *memTasks) FindByID(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, task.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *memTasks) FindByIdempotencyKey(_ context.Context, key string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdem[key]
	if !ok {
		return nil, task.ErrNotFound
	}
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, task.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *memTasks) List(_ context.Context, filter ListFilter, page Page) ([]*task.Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*task.Task
	for _, t := range m.tasks {
		if t.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.WorkflowType != "" && t.WorkflowType != filter.WorkflowType {
			continue
		}
		all = append(all, t)
	}

	// Deterministic ordering: createdAt DESC, taskId tie-break.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if page.Size > 0 {
		start := page.Offset()
		if start > total {
			start = total
		}
		end := start + page.Size
		if end > total {
			end = total
		}
		all = all[start:end]
	}

	out := make([]*task.Task, len(all))
	for i, t := range all {
		out[i] = copyTask(t)
	}
	return out, total, nil
}

// mutate applies fn to the live record after the version fence passes.
func (m *memTasks) mutate(id string, version int64, fn func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, task.ErrNotFound
	}
	if t.Version != version {
		return nil, task.ErrVersionConflict
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.Version++
	t.UpdatedAt = time.Now()
	return copyTask(t), nil
}

func (m *memTasks) UpdateStatus(_ context.Context, id string, status task.Status, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		applyStatus(t, status)
		return nil
	})
}

func (m *memTasks) UpdateCurrentStep(_ context.Context, id, step string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		t.CurrentStep = step
		return nil
	})
}

func (m *memTasks) ClaimTask(_ context.Context, id, workerID string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return task.ErrVersionConflict
		}
		now := time.Now()
		t.Status = task.StatusRunning
		t.WorkerID = workerID
		t.StartedAt = &now
		t.CurrentStep = "claimed"
		return nil
	})
}

func (m *memTasks) ReleaseWorker(_ context.Context, id, workerID string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		if t.Status != task.StatusRunning || t.WorkerID != workerID {
			return task.ErrVersionConflict
		}
		t.Status = task.StatusPending
		t.WorkerID = ""
		return nil
	})
}

func (m *memTasks) SaveStateSnapshot(_ context.Context, id string, snapshot []byte, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		t.StateSnapshot = append([]byte(nil), snapshot...)
		return nil
	})
}

func (m *memTasks) IncrementRetryCount(_ context.Context, id, class string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		if t.RetryCounts == nil {
			t.RetryCounts = make(map[string]int)
		}
		t.RetryCounts[class]++
		return nil
	})
}

func (m *memTasks) MarkAsCompleted(_ context.Context, id string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		applyStatus(t, task.StatusCompleted)
		t.WorkerID = ""
		return nil
	})
}

func (m *memTasks) MarkAsFailed(_ context.Context, id, message string, version int64) (*task.Task, error) {
	return m.mutate(id, version, func(t *task.Task) error {
		applyStatus(t, task.StatusFailed)
		t.ErrorMessage = message
		t.WorkerID = ""
		return nil
	})
}

func (m *memTasks) GetPendingTasks(_ context.Context, limit int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*task.Task
	for _, t := range m.tasks {
		if t.DeletedAt == nil && t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*task.Task, len(pending))
	for i, t := range pending {
		out[i] = copyTask(t)
	}
	return out, nil
}

func (m *memTasks) GetStaleRunning(_ context.Context, olderThanSeconds int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var stale []*task.Task
	for _, t := range m.tasks {
		if t.DeletedAt == nil && t.Status == task.StatusRunning && t.UpdatedAt.Before(cutoff) {
			stale = append(stale, copyTask(t))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	return stale, nil
}

func (m *memTasks) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return task.ErrNotFound
	}
	now := time.Now()
	t.DeletedAt = &now
	t.UpdatedAt = now
	t.Version++
	return nil
}

func (m *memTasks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	delete(m.tasks, id)
	if t.IdempotencyKey != "" {
		delete(m.byIdem, t.IdempotencyKey)
	}
	// Dependents go in the same logical unit.
	delete(m.results, id)
	delete(m.checks, id)
	return nil
}

func (m *memTasks) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[task.Status]int)
	for _, t := range m.tasks {
		if t.DeletedAt == nil {
			counts[t.Status]++
		}
	}
	return counts, nil
}

type memResults MemoryStore

func (m *memResults) Create(_ context.Context, r *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resultID++
	r.ID = m.resultID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.results[r.TaskID] = append(m.results[r.TaskID], &cp)
	return nil
}

func (m *memResults) FindByTaskID(_ context.Context, taskID string) ([]*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.results[taskID]
	out := make([]*task.Result, 0, len(rows))
	// Newest first.
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

type memChecks MemoryStore

func (m *memChecks) Create(_ context.Context, r *task.QualityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkID++
	r.ID = m.checkID
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}
	cp := *r
	m.checks[r.TaskID] = append(m.checks[r.TaskID], &cp)
	return nil
}

func (m *memChecks) FindByTaskID(_ context.Context, taskID string) ([]*task.QualityReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.checks[taskID]
	out := make([]*task.QualityReport, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

// applyStatus sets the status and stamps the lifecycle timestamps the
// transition implies.
func applyStatus(t *task.Task, status task.Status) {
	now := time.Now()
	if status == task.StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() {
		t.CompletedAt = &now
	}
	t.Status = status
}

// copyTask returns a snapshot detached from the live record.
func copyTask(t *task.Task) *task.Task {
	cp := *t
	if t.RetryCounts != nil {
		cp.RetryCounts = make(map[string]int, len(t.RetryCounts))
		for k, v := range t.RetryCounts {
			cp.RetryCounts[k] = v
		}
	}
	cp.CallbackEvents = append([]task.Event(nil), t.CallbackEvents...)
	cp.StateSnapshot = append([]byte(nil), t.StateSnapshot...)
	if t.TypedInputs != nil {
		cp.TypedInputs = make(map[string]any, len(t.TypedInputs))
		for k, v := range t.TypedInputs {
			cp.TypedInputs[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.DeletedAt != nil {
		v := *t.DeletedAt
		cp.DeletedAt = &v
	}
	return &cp
}
