// Package registry holds the process-wide workflowType → workflow mapping.
// Registration happens at startup; the registry produces the ingredients
// executors consume (parameter validation, step lists for progress, and
// per-task executions) but never owns execution itself.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/task"
)

// Metadata describes a workflow for the API's discovery endpoints.
type Metadata struct {
	Type           string            `json:"workflowType"`
	Version        int               `json:"version"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Category       string            `json:"category"`
	Tags           []string          `json:"tags,omitempty"`
	RequiredInputs []string          `json:"requiredInputs"`
	OptionalInputs []string          `json:"optionalInputs,omitempty"`
	StepNames      map[string]string `json:"stepNames"`
	RetryClasses   []string          `json:"retryClasses"`
	Examples       []map[string]any  `json:"examples,omitempty"`
}

// Outcome is what an execution leaves behind for the finalizing layer:
// the terminal state plus the artifacts and reports to persist. Err is the
// classified terminal error, nil on success.
type Outcome struct {
	State          any
	Results        []*task.Result
	Reports        []*task.QualityReport
	StepsCompleted []string
	RetryCounts    map[string]int
	TokensUsed     int
	Err            error
}

// Execution is one task's run of a workflow graph.
type Execution interface {
	// Start runs the workflow from its entry node.
	Start(ctx context.Context) Outcome

	// Resume continues from the task's persisted checkpoint. An absent or
	// incompatible checkpoint reports through Outcome.Err.
	Resume(ctx context.Context) Outcome
}

// Workflow is a named, versioned graph definition plus its input contract.
type Workflow interface {
	Metadata() Metadata

	// Steps returns the canonical happy-path node order, used for the
	// progress percentage.
	Steps() []string

	// ValidateParams checks the typed inputs before a task is created.
	ValidateParams(params map[string]any) error

	// NewExecution binds the workflow to one task.
	NewExecution(t *task.Task) (Execution, error)
}

// Registry is the lookup table. Safe for concurrent reads after startup
// registration.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds a workflow. Registering a type twice replaces the earlier
// entry; startup wiring decides precedence.
func (r *Registry) Register(w Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Metadata().Type] = w
}

// Get returns the workflow for a type, or task.ErrUnknownWorkflow.
func (r *Registry) Get(workflowType string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[workflowType]
	if !ok {
		return nil, task.WrapError(task.KindValidation,
			"no workflow registered for type "+workflowType, task.ErrUnknownWorkflow)
	}
	return w, nil
}

// List returns metadata for all workflows matching the filter, sorted by
// type. Empty category and tags match everything.
func (r *Registry) List(category string, tags []string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Metadata
	for _, w := range r.workflows {
		md := w.Metadata()
		if category != "" && md.Category != category {
			continue
		}
		if !hasAllTags(md.Tags, tags) {
			continue
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
