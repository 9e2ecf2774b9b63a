package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/internal/workflow/translate"
	"github.com/loomworks/loom/model"
)

type passGate struct{ calls int }

func (g *passGate) Check(_ context.Context, _, _ string, _ quality.HardConstraints) (quality.Decision, error) {
	g.calls++
	return quality.Decision{Passed: true, Score: 9, HardOK: true}, nil
}

type workerFixture struct {
	store       store.Store
	queue       *queue.Memory
	runner      *executor.Runner
	checkpoints *checkpoint.Manager
	chat        *model.MockChatModel
	gate        *passGate
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Bonjour"}}}
	gate := &passGate{}
	cps := checkpoint.NewManager(st.Tasks(), nil)

	reg := registry.New()
	reg.Register(translate.New(workflow.Deps{Chat: chat, TextGate: gate, Checkpoints: cps}))

	return &workerFixture{
		store:       st,
		queue:       queue.NewMemory(64),
		runner:      executor.NewRunner(st, reg, nil, nil),
		checkpoints: cps,
		chat:        chat,
		gate:        gate,
	}
}

func createAsyncTask(t *testing.T, st store.Store) *task.Task {
	t.Helper()
	created, _, err := st.Tasks().Create(context.Background(), task.CreateInput{
		WorkflowType: translate.Type,
		Mode:         task.ModeAsync,
		TypedInputs:  map[string]any{"sourceText": "Hello", "targetLang": "French"},
	})
	require.NoError(t, err)
	return created
}

func TestPoolExecutesQueuedTask(t *testing.T) {
	f := newWorkerFixture(t)
	tk := createAsyncTask(t, f.store)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID))

	pool := NewPool(f.store.Tasks(), f.queue, f.runner, 2, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx) //nolint:errcheck
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	got, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorkerID) // lease cleared on completion
	results, err := f.store.Results().FindByTaskID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Bonjour", results[0].Content)
}

func TestPoolSkipsAlreadyClaimedTask(t *testing.T) {
	f := newWorkerFixture(t)
	tk := createAsyncTask(t, f.store)

	// Another worker claims first.
	_, err := f.store.Tasks().ClaimTask(context.Background(), tk.ID, "other-worker", tk.Version)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID))

	pool := NewPool(f.store.Tasks(), f.queue, f.runner, 1, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Run(ctx))

	got, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "other-worker", got.WorkerID)
	assert.Equal(t, 0, f.chat.CallCount())
}

func TestDispatcherEnqueuesPendingAsyncOnly(t *testing.T) {
	f := newWorkerFixture(t)
	asyncTask := createAsyncTask(t, f.store)

	_, _, err := f.store.Tasks().Create(context.Background(), task.CreateInput{
		WorkflowType: translate.Type,
		Mode:         task.ModeSync,
		TypedInputs:  map[string]any{"sourceText": "Hello", "targetLang": "German"},
	})
	require.NoError(t, err)

	d := NewDispatcher(f.store.Tasks(), f.queue, time.Second, 10, nil)
	d.tick(context.Background())

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	id, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, asyncTask.ID, id)

	// Re-ticking while the ID is still queued must not duplicate it.
	require.NoError(t, f.queue.Enqueue(context.Background(), asyncTask.ID))
	d.tick(context.Background())
	depth, err = f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSupervisorReclaimsStaleLease(t *testing.T) {
	f := newWorkerFixture(t)
	tk := createAsyncTask(t, f.store)

	claimed, err := f.store.Tasks().ClaimTask(context.Background(), tk.ID, "dead-worker", tk.Version)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, claimed.Status)

	// A negative TTL makes every running task stale immediately.
	s := NewSupervisor(f.store.Tasks(), -time.Second, time.Minute, nil)
	s.Sweep(context.Background())

	got, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.WorkerID)
}

// gatedChat blocks inside the translate node until released, so a test can
// act on the task while the node is in flight.
type gatedChat struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls int
}

func (c *gatedChat) Chat(ctx context.Context, _ []model.Message) (model.ChatOut, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
	case <-ctx.Done():
		return model.ChatOut{}, ctx.Err()
	}
	return model.ChatOut{Text: "Bonjour"}, nil
}

func (c *gatedChat) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestPoolAbortsCancelledRunningTask(t *testing.T) {
	st := store.NewMemoryStore()
	chat := &gatedChat{started: make(chan struct{}), release: make(chan struct{})}
	gate := &passGate{}
	cps := checkpoint.NewManager(st.Tasks(), nil)

	reg := registry.New()
	reg.Register(translate.New(workflow.Deps{Chat: chat, TextGate: gate, Checkpoints: cps}))
	runner := executor.NewRunner(st, reg, nil, nil)

	q := queue.NewMemory(64)
	tk := createAsyncTask(t, st)
	require.NoError(t, q.Enqueue(context.Background(), tk.ID))

	pool := NewPool(st.Tasks(), q, runner, 1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx) //nolint:errcheck
		close(done)
	}()

	select {
	case <-chat.started:
	case <-time.After(5 * time.Second):
		t.Fatal("translate node never started")
	}

	// Cancel the row through the store while the node is still in flight,
	// the way the API cancel endpoint does.
	running, err := st.Tasks().FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, running.Status)
	_, err = st.Tasks().UpdateStatus(context.Background(), tk.ID, task.StatusCancelled, running.Version)
	require.NoError(t, err)

	close(chat.release)

	// The run must abort at the next node boundary: the task stays
	// cancelled instead of being overwritten by a completion.
	assert.Never(t, func() bool {
		got, ferr := st.Tasks().FindByID(context.Background(), tk.ID)
		return ferr != nil || got.Status != task.StatusCancelled
	}, time.Second, 20*time.Millisecond)

	cancel()
	<-done

	// The quality gate never ran and no artifacts landed on the row.
	assert.Equal(t, 0, gate.calls)
	assert.Equal(t, 1, chat.CallCount())
	results, err := st.Results().FindByTaskID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCrashRecoveryResumesFromCheckpoint(t *testing.T) {
	f := newWorkerFixture(t)
	tk := createAsyncTask(t, f.store)

	// Simulate a worker that translated, checkpointed, and died.
	mid := &translate.State{
		BaseState: task.BaseState{
			TaskID:       tk.ID,
			WorkflowType: translate.Type,
			Mode:         task.ModeAsync,
			CurrentStep:  translate.StepTranslate,
			StartTime:    time.Now(),
		},
		SourceText:     "Hello",
		TargetLang:     "French",
		MaxRetries:     translate.DefaultMaxRetries,
		TranslatedText: "Bonjour from checkpoint",
	}
	_, err := f.checkpoints.Save(context.Background(), tk.ID, translate.StepTranslate, mid)
	require.NoError(t, err)

	fresh, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	_, err = f.store.Tasks().ClaimTask(context.Background(), tk.ID, "dead-worker", fresh.Version)
	require.NoError(t, err)

	// Supervisor returns it to pending; the pool then claims and resumes.
	NewSupervisor(f.store.Tasks(), -time.Second, time.Minute, nil).Sweep(context.Background())
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID))

	pool := NewPool(f.store.Tasks(), f.queue, f.runner, 1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx) //nolint:errcheck
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.Tasks().FindByID(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// The translate node did not re-run: the checkpointed output survived
	// and only the quality check executed.
	assert.Equal(t, 0, f.chat.CallCount())
	assert.Equal(t, 1, f.gate.calls)

	results, err := f.store.Results().FindByTaskID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Bonjour from checkpoint", results[0].Content)
}
