package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type passGate struct{}

func (passGate) Check(context.Context, string, string, quality.HardConstraints) (quality.Decision, error) {
	return quality.Decision{Passed: true, Score: 9, HardOK: true}, nil
}

type apiFixture struct {
	store store.Store
	queue queue.Queue
	chat  *model.MockChatModel
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st := store.NewMemoryStore()
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Bonjour", TokensUsed: 10}}}

	reg := registry.New()
	reg.Register(translate.New(workflow.Deps{Chat: chat, TextGate: passGate{}}))

	runner := executor.NewRunner(st, reg, nil, nil)
	sync := executor.NewSync(st.Tasks(), runner, time.Minute)
	q := queue.NewMemory(16)

	srv := httptest.NewServer(New(st, reg, sync, q, nil, nil).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { q.Close() })

	return &apiFixture{store: st, queue: q, chat: chat, srv: srv}
}

// response is the decoded envelope with the data payload left raw.
type response struct {
	status int
	body   struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
}

func (r response) data(t *testing.T, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body.Data, out))
}

func do(t *testing.T, method, url string, payload any) response {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func translateRequest() map[string]any {
	return map[string]any{
		"workflowType": translate.Type,
		"inputs":       map[string]any{"sourceText": "Hello", "targetLang": "French"},
	}
}

func TestCreateSyncTaskCompletes(t *testing.T) {
	f := newAPIFixture(t)

	resp := do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())
	require.Equal(t, http.StatusCreated, resp.status)
	require.True(t, resp.body.Success)

	var view struct {
		Task    *task.Task     `json:"task"`
		Results []*task.Result `json:"results"`
	}
	resp.data(t, &view)
	assert.Equal(t, task.StatusCompleted, view.Task.Status)
	require.Len(t, view.Results, 1)
	assert.Equal(t, "Bonjour", view.Results[0].Content)
}

func TestCreateTaskRejectsBadInputs(t *testing.T) {
	f := newAPIFixture(t)

	resp := do(t, http.MethodPost, f.srv.URL+"/api/tasks", map[string]any{
		"workflowType": translate.Type,
		"inputs":       map[string]any{"targetLang": "French"},
	})
	require.Equal(t, http.StatusBadRequest, resp.status)
	require.NotNil(t, resp.body.Error)
	assert.Equal(t, string(task.KindValidation), resp.body.Error.Kind)
	assert.Zero(t, f.chat.CallCount())
}

func TestCreateTaskUnknownWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	resp := do(t, http.MethodPost, f.srv.URL+"/api/tasks", map[string]any{
		"workflowType": "no-such-workflow",
		"inputs":       map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Contains(t, resp.body.Error.Message, "no-such-workflow")
}

func TestCreateAsyncTaskAccepted(t *testing.T) {
	f := newAPIFixture(t)

	req := translateRequest()
	req["mode"] = "async"
	resp := do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)
	require.Equal(t, http.StatusAccepted, resp.status)

	var created task.Task
	resp.data(t, &created)
	assert.Equal(t, task.StatusPending, created.Status)

	// The task is on the queue awaiting a worker.
	id, err := f.queue.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, created.ID, id)
}

func TestCreateTaskIdempotentReplay(t *testing.T) {
	f := newAPIFixture(t)

	req := translateRequest()
	req["idempotencyKey"] = "order-42"

	first := do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)
	require.Equal(t, http.StatusCreated, first.status)
	var firstView struct {
		Task *task.Task `json:"task"`
	}
	first.data(t, &firstView)

	second := do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)
	require.Equal(t, http.StatusOK, second.status)
	var replayed task.Task
	second.data(t, &replayed)

	assert.Equal(t, firstView.Task.ID, replayed.ID)
	assert.Equal(t, 1, f.chat.CallCount())
}

func TestGetTaskAndStatus(t *testing.T) {
	f := newAPIFixture(t)

	created := do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())
	var view struct {
		Task *task.Task `json:"task"`
	}
	created.data(t, &view)

	got := do(t, http.MethodGet, f.srv.URL+"/api/tasks/"+view.Task.ID, nil)
	require.Equal(t, http.StatusOK, got.status)

	status := do(t, http.MethodGet, f.srv.URL+"/api/tasks/"+view.Task.ID+"/status", nil)
	require.Equal(t, http.StatusOK, status.status)
	var sv struct {
		Status   task.Status `json:"status"`
		Progress int         `json:"progress"`
	}
	status.data(t, &sv)
	assert.Equal(t, task.StatusCompleted, sv.Status)
	assert.Equal(t, 100, sv.Progress)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp := do(t, http.MethodGet, f.srv.URL+"/api/tasks/absent", nil)
	require.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, string(task.KindNotFound), resp.body.Error.Kind)
}

func TestResultRequiresCompletion(t *testing.T) {
	f := newAPIFixture(t)

	req := translateRequest()
	req["mode"] = "async"
	created := do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)
	var pending task.Task
	created.data(t, &pending)

	resp := do(t, http.MethodGet, f.srv.URL+"/api/tasks/"+pending.ID+"/result", nil)
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Contains(t, resp.body.Error.Message, "pending")
}

func TestRetryFailedTask(t *testing.T) {
	f := newAPIFixture(t)
	f.chat.Err = task.NewError(task.KindPermanentExternal, "invalid api key")

	created := do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())
	require.Equal(t, http.StatusInternalServerError, created.status)

	// The task failed but exists; fetch it through the list.
	list := do(t, http.MethodGet, f.srv.URL+"/api/tasks?status=failed", nil)
	var lv struct {
		Tasks []*task.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	list.data(t, &lv)
	require.Equal(t, 1, lv.Total)
	id := lv.Tasks[0].ID

	// Upstream recovers.
	f.chat.Err = nil

	retried := do(t, http.MethodPost, f.srv.URL+"/api/tasks/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, retried.status)
	var view struct {
		Task *task.Task `json:"task"`
	}
	retried.data(t, &view)
	assert.Equal(t, task.StatusCompleted, view.Task.Status)
}

func TestRetryRejectsNonFailedTask(t *testing.T) {
	f := newAPIFixture(t)

	created := do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())
	var view struct {
		Task *task.Task `json:"task"`
	}
	created.data(t, &view)

	resp := do(t, http.MethodPost, f.srv.URL+"/api/tasks/"+view.Task.ID+"/retry", nil)
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Contains(t, resp.body.Error.Message, "failed")
}

func TestCancelPendingTask(t *testing.T) {
	f := newAPIFixture(t)

	req := translateRequest()
	req["mode"] = "async"
	created := do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)
	var pending task.Task
	created.data(t, &pending)

	resp := do(t, http.MethodDelete, f.srv.URL+"/api/tasks/"+pending.ID, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var cancelled task.Task
	resp.data(t, &cancelled)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)

	// A second cancel hits the terminal guard.
	again := do(t, http.MethodDelete, f.srv.URL+"/api/tasks/"+pending.ID, nil)
	require.Equal(t, http.StatusBadRequest, again.status)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.chat.Responses = []model.ChatOut{{Text: "uno"}, {Text: "dos"}}

	do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())
	req := translateRequest()
	req["mode"] = "async"
	do(t, http.MethodPost, f.srv.URL+"/api/tasks", req)

	completed := do(t, http.MethodGet, f.srv.URL+"/api/tasks?status=completed", nil)
	var lv struct {
		Total int `json:"total"`
	}
	completed.data(t, &lv)
	assert.Equal(t, 1, lv.Total)

	all := do(t, http.MethodGet, f.srv.URL+"/api/tasks", nil)
	all.data(t, &lv)
	assert.Equal(t, 2, lv.Total)
}

func TestWorkflowDiscovery(t *testing.T) {
	f := newAPIFixture(t)

	list := do(t, http.MethodGet, f.srv.URL+"/api/workflows", nil)
	require.Equal(t, http.StatusOK, list.status)
	var lv struct {
		Workflows []registry.Metadata `json:"workflows"`
		Total     int                 `json:"total"`
	}
	list.data(t, &lv)
	require.Equal(t, 1, lv.Total)
	assert.Equal(t, translate.Type, lv.Workflows[0].Type)

	detail := do(t, http.MethodGet, f.srv.URL+"/api/workflows/"+translate.Type, nil)
	require.Equal(t, http.StatusOK, detail.status)
	var dv struct {
		Steps []string `json:"steps"`
	}
	detail.data(t, &dv)
	assert.Equal(t, []string{translate.StepTranslate, translate.StepCheckQuality}, dv.Steps)

	missing := do(t, http.MethodGet, f.srv.URL+"/api/workflows/absent", nil)
	require.Equal(t, http.StatusNotFound, missing.status)
}

func TestHealthAndStats(t *testing.T) {
	f := newAPIFixture(t)
	do(t, http.MethodPost, f.srv.URL+"/api/tasks", translateRequest())

	health := do(t, http.MethodGet, f.srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, health.status)
	var hv struct {
		Status string `json:"status"`
	}
	health.data(t, &hv)
	assert.Equal(t, "ok", hv.Status)

	stats := do(t, http.MethodGet, f.srv.URL+"/api/stats", nil)
	require.Equal(t, http.StatusOK, stats.status)
	var sv struct {
		Tasks         int            `json:"tasks"`
		TasksByStatus map[string]int `json:"tasksByStatus"`
		Workflows     []string       `json:"workflows"`
	}
	stats.data(t, &sv)
	assert.Equal(t, 1, sv.Tasks)
	assert.Equal(t, 1, sv.TasksByStatus["completed"])
	assert.Equal(t, []string{translate.Type}, sv.Workflows)
}
