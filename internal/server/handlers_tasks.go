package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createTaskRequest struct {
	WorkflowType   string         `json:"workflowType"`
	Mode           task.Mode      `json:"mode,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	CallbackURL    string         `json:"callbackUrl,omitempty"`
	CallbackEvents []task.Event   `json:"callbackEvents,omitempty"`
	Inputs         map[string]any `json:"inputs"`
}

// taskResultView is the sync-path response: the terminal task with its
// artifacts.
type taskResultView struct {
	Task           *task.Task            `json:"task"`
	Results        []*task.Result        `json:"results,omitempty"`
	QualityReports []*task.QualityReport `json:"qualityReports,omitempty"`
	TokensUsed     int                   `json:"tokensUsed,omitempty"`
	DurationMs     int64                 `json:"durationMs,omitempty"`
}

func resultView(res *executor.ExecutionResult) taskResultView {
	return taskResultView{
		Task:           res.Task,
		Results:        res.Results,
		QualityReports: res.Reports,
		TokensUsed:     res.TokensUsed,
		DurationMs:     res.Duration.Milliseconds(),
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation, "request body is not valid JSON")
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = task.ModeSync
	}
	if mode != task.ModeSync && mode != task.ModeAsync {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation, "mode must be sync or async")
		return
	}
	if mode == task.ModeAsync && s.queue == nil {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation, "async mode is not enabled on this deployment")
		return
	}

	wf, err := s.registry.Get(req.WorkflowType)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := wf.ValidateParams(req.Inputs); err != nil {
		writeError(w, err)
		return
	}

	created, isNew, err := s.store.Tasks().Create(r.Context(), task.CreateInput{
		WorkflowType:   req.WorkflowType,
		Mode:           mode,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		CallbackURL:    req.CallbackURL,
		CallbackEvents: req.CallbackEvents,
		TypedInputs:    req.Inputs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !isNew {
		// Idempotent replay: hand back the original task, whatever state
		// it has reached.
		writeData(w, http.StatusOK, created)
		return
	}

	if mode == task.ModeAsync {
		if err := s.queue.Enqueue(r.Context(), created.ID); err != nil {
			// The dispatcher re-scans pending tasks; a full queue only
			// delays the task.
			s.logger.Warn("immediate enqueue failed", "taskId", created.ID, "error", err)
		}
		writeData(w, http.StatusAccepted, created)
		return
	}

	result, err := s.sync.Execute(r.Context(), created)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Err != nil {
		writeError(w, result.Err)
		return
	}
	writeData(w, http.StatusCreated, resultView(result))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Status:       task.Status(q.Get("status")),
		WorkflowType: q.Get("workflowType"),
	}
	page := store.Page{
		Number: intQuery(q.Get("page"), 1),
		Size:   intQuery(q.Get("pageSize"), defaultPageSize),
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}

	tasks, total, err := s.store.Tasks().List(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"tasks":    tasks,
		"total":    total,
		"page":     page.Number,
		"pageSize": page.Size,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Tasks().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Tasks().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"taskId":      t.ID,
		"status":      t.Status,
		"currentStep": t.CurrentStep,
		"progress":    s.progressFor(t),
		"retryCounts": t.RetryCounts,
		"error":       t.ErrorMessage,
	})
}

// progressFor reports percent complete from the task's last observed step
// against the workflow's happy-path step list.
func (s *Server) progressFor(t *task.Task) int {
	switch {
	case t.Status == task.StatusCompleted:
		return 100
	case t.Status == task.StatusPending:
		return 0
	}

	wf, err := s.registry.Get(t.WorkflowType)
	if err != nil {
		return 0
	}
	steps := wf.Steps()
	for i, step := range steps {
		if step == t.CurrentStep {
			return (i + 1) * 100 / len(steps)
		}
	}
	return 0
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Tasks().FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status != task.StatusCompleted {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation,
			"task is "+string(t.Status)+", results are available once it is completed")
		return
	}

	results, err := s.store.Results().FindByTaskID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	reports, err := s.store.QualityChecks().FindByTaskID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"task":           t,
		"results":        results,
		"qualityReports": reports,
	})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Tasks().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status != task.StatusFailed {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation, "only failed tasks can be retried")
		return
	}

	if t.Mode == task.ModeAsync {
		pending, err := s.store.Tasks().UpdateStatus(r.Context(), t.ID, task.StatusPending, t.Version)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.queue != nil {
			if err := s.queue.Enqueue(r.Context(), t.ID); err != nil {
				s.logger.Warn("retry enqueue failed", "taskId", t.ID, "error", err)
			}
		}
		writeData(w, http.StatusAccepted, pending)
		return
	}

	result, err := s.sync.Retry(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Err != nil {
		writeError(w, result.Err)
		return
	}
	writeData(w, http.StatusOK, resultView(result))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Tasks().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status.IsTerminal() {
		writeErrorStatus(w, http.StatusBadRequest, task.KindValidation,
			"task is already "+string(t.Status))
		return
	}

	cancelled, err := s.store.Tasks().UpdateStatus(r.Context(), t.ID, task.StatusCancelled, t.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, cancelled)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
