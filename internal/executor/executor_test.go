package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/webhook"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/internal/workflow/translate"
	"github.com/loomworks/loom/model"
)

type scriptedGate struct {
	verdicts []bool
	calls    int
}

func (g *scriptedGate) Check(_ context.Context, _, _ string, _ quality.HardConstraints) (quality.Decision, error) {
	i := g.calls
	if i >= len(g.verdicts) {
		i = len(g.verdicts) - 1
	}
	g.calls++
	passed := g.verdicts[i]
	d := quality.Decision{Passed: passed, Score: 9, HardOK: true}
	if !passed {
		d.Score = 4
		d.Suggestions = []string{"revise"}
	}
	return d, nil
}

type fixture struct {
	store  store.Store
	runner *Runner
	sync   *Sync
}

func newFixture(t *testing.T, chat model.ChatModel, gate quality.TextGate, notifier *webhook.Notifier) *fixture {
	t.Helper()
	st := store.NewMemoryStore()

	reg := registry.New()
	reg.Register(translate.New(workflow.Deps{Chat: chat, TextGate: gate}))

	runner := NewRunner(st, reg, notifier, nil)
	return &fixture{
		store:  st,
		runner: runner,
		sync:   NewSync(st.Tasks(), runner, time.Minute),
	}
}

func createTask(t *testing.T, st store.Store, in task.CreateInput) *task.Task {
	t.Helper()
	if in.WorkflowType == "" {
		in.WorkflowType = translate.Type
	}
	if in.Mode == "" {
		in.Mode = task.ModeSync
	}
	if in.TypedInputs == nil {
		in.TypedInputs = map[string]any{"sourceText": "Hello", "targetLang": "French"}
	}
	created, _, err := st.Tasks().Create(context.Background(), in)
	require.NoError(t, err)
	return created
}

func TestSyncExecuteCompletesTask(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Bonjour", TokensUsed: 10}}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	assert.Equal(t, task.StatusCompleted, result.Task.Status)
	assert.NotNil(t, result.Task.CompletedAt)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "Bonjour", result.Results[0].Content)
	require.Len(t, result.Reports, 1)
	assert.True(t, result.Reports[0].Passed)

	// Artifacts are durable, not just in the response.
	stored, err := f.store.Results().FindByTaskID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSyncExecuteFailureMarksTaskFailed(t *testing.T) {
	chat := &model.MockChatModel{Err: task.NewError(task.KindPermanentExternal, "invalid api key")}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.Error(t, result.Err)

	assert.Equal(t, task.StatusFailed, result.Task.Status)
	assert.Contains(t, result.Task.ErrorMessage, "invalid api key")
	assert.Empty(t, result.Results)
}

func TestSyncExecuteSyncsRetryCounters(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "first"}, {Text: "second"},
	}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{false, true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	assert.Equal(t, 1, result.Task.RetryCount(translate.RetryClassText))
}

func TestSyncExecuteStaleVersionConflicts(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	// Another actor bumps the version first.
	_, err := f.store.Tasks().UpdateCurrentStep(context.Background(), tk.ID, "elsewhere", tk.Version)
	require.NoError(t, err)

	_, err = f.sync.Execute(context.Background(), tk)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrVersionConflict) ||
		task.KindOf(err) == task.KindVersionConflict)
}

func TestRetryOnlyForFailedTasks(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	_, err := f.sync.Retry(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, task.KindValidation, task.KindOf(err))
}

func TestRetryReexecutesFailedTask(t *testing.T) {
	chat := &model.MockChatModel{Err: errors.New("flaky upstream")}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, result.Task.Status)

	// The upstream recovers; the retry succeeds.
	chat.Err = nil
	chat.Responses = []model.ChatOut{{Text: "Bonjour"}}

	retried, err := f.sync.Retry(context.Background(), result.Task)
	require.NoError(t, err)
	require.NoError(t, retried.Err)
	assert.Equal(t, task.StatusCompleted, retried.Task.Status)
}

func TestWebhookFiredOnCompletion(t *testing.T) {
	delivered := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case delivered <- r.Clone(context.Background()):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := webhook.NewNotifier(nil, webhook.WithBaseDelay(time.Millisecond))
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Bonjour"}}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, notifier)

	tk := createTask(t, f.store, task.CreateInput{
		CallbackURL:    srv.URL,
		CallbackEvents: []task.Event{task.EventCompleted},
	})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	select {
	case req := <-delivered:
		assert.Equal(t, "completed", req.Header.Get("X-Webhook-Event"))
		assert.Equal(t, tk.ID, req.Header.Get("X-Task-Id"))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookCompletedPayloadShape(t *testing.T) {
	payloads := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		select {
		case payloads <- p:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := webhook.NewNotifier(nil, webhook.WithBaseDelay(time.Millisecond))
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Bonjour", TokensUsed: 10}}}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, notifier)

	tk := createTask(t, f.store, task.CreateInput{
		CallbackURL:    srv.URL,
		CallbackEvents: []task.Event{task.EventCompleted},
	})
	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	var p webhook.Payload
	select {
	case p = <-payloads:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	// Completed events nest the run metrics under result.metrics.
	res, ok := p.Result.(map[string]any)
	require.True(t, ok, "result must be an object, got %T", p.Result)
	assert.Equal(t, "Bonjour", res["content"])

	metrics, ok := res["metrics"].(map[string]any)
	require.True(t, ok, "result.metrics must be an object")
	tokens, ok := metrics["tokensUsed"].(float64)
	require.True(t, ok, "result.metrics.tokensUsed must be a number")
	assert.GreaterOrEqual(t, tokens, float64(0))
	duration, ok := metrics["duration"].(float64)
	require.True(t, ok, "result.metrics.duration must be a number")
	assert.GreaterOrEqual(t, duration, float64(0))

	assert.Nil(t, p.Error)
}

func TestWebhookFailedPayloadCarriesErrorBlock(t *testing.T) {
	payloads := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		select {
		case payloads <- p:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := webhook.NewNotifier(nil, webhook.WithBaseDelay(time.Millisecond))
	chat := &model.MockChatModel{Err: task.NewError(task.KindPermanentExternal, "invalid api key")}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, notifier)

	tk := createTask(t, f.store, task.CreateInput{
		CallbackURL:    srv.URL,
		CallbackEvents: []task.Event{task.EventFailed},
	})
	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.Error(t, result.Err)

	var p webhook.Payload
	select {
	case p = <-payloads:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	assert.Equal(t, task.EventFailed, p.Event)
	require.NotNil(t, p.Error)
	assert.Contains(t, p.Error.Message, "invalid api key")
	assert.Equal(t, string(task.KindPermanentExternal), p.Error.Type)
	assert.Nil(t, p.Result)
}

func TestUnknownWorkflowFailsTask(t *testing.T) {
	chat := &model.MockChatModel{}
	f := newFixture(t, chat, &scriptedGate{verdicts: []bool{true}}, nil)
	tk := createTask(t, f.store, task.CreateInput{WorkflowType: "no-such-workflow"})

	result, err := f.sync.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, task.ErrUnknownWorkflow))
	assert.Equal(t, task.StatusFailed, result.Task.Status)
}
