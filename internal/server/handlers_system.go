package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	healthy := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if s.queue != nil {
		checks["queue"] = "ok"
		if _, err := s.queue.Depth(r.Context()); err != nil {
			checks["queue"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeData(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Tasks().CountByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	byStatus := make(map[string]int, len(counts))
	total := 0
	for st, n := range counts {
		byStatus[string(st)] = n
		total += n
	}

	data := map[string]any{
		"tasks":         total,
		"tasksByStatus": byStatus,
		"workflows":     s.registry.Types(),
	}
	if s.queue != nil {
		depth, err := s.queue.Depth(r.Context())
		if err == nil {
			data["queueDepth"] = depth
		}
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tags []string
	if raw := q.Get("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	workflows := s.registry.List(q.Get("category"), tags)
	writeData(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wfType := chi.URLParam(r, "type")
	wf, err := s.registry.Get(wfType)
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, task.KindNotFound,
			"no workflow registered for type "+wfType)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"metadata": wf.Metadata(),
		"steps":    wf.Steps(),
	})
}
