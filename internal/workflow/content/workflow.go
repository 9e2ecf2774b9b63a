package content

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/workflow"
)

// Type is the registry key for the content-creator workflow.
const Type = "content-creator"

// DefaultImageCount is used when the request does not set imageCount.
const DefaultImageCount = 1

var imageSizeRe = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

var stepOrder = []string{
	StepSearch, StepOrganize, StepWrite, StepCheckText,
	StepGenerateImage, StepCheckImage, StepPostProcess,
}

// Workflow is the content-creator workflow definition.
type Workflow struct {
	deps workflow.Deps
}

// New creates the content-creator workflow over the given dependency bundle.
func New(deps workflow.Deps) *Workflow {
	return &Workflow{deps: deps}
}

// Metadata implements registry.Workflow.
func (w *Workflow) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:        Type,
		Version:     1,
		Name:        "Content Creator",
		Description: "Researches a topic, writes a quality-gated article, and illustrates it.",
		Category:    "content",
		Tags:        []string{"article", "search", "image"},
		RequiredInputs: []string{"topic"},
		OptionalInputs: []string{
			"requirements", "hardConstraints", "imageCount", "imageSize",
			"maxTextRetries", "maxImageRetries",
		},
		StepNames: map[string]string{
			StepSearch:        "Searching sources",
			StepOrganize:      "Organizing material",
			StepWrite:         "Writing article",
			StepCheckText:     "Checking article quality",
			StepGenerateImage: "Generating illustrations",
			StepCheckImage:    "Checking illustration quality",
			StepPostProcess:   "Assembling deliverable",
		},
		RetryClasses: []string{RetryClassText, RetryClassImage},
		Examples: []map[string]any{
			{"topic": "The rise of edge computing", "imageCount": 2},
		},
	}
}

// Steps implements registry.Workflow.
func (w *Workflow) Steps() []string {
	steps := make([]string, len(stepOrder))
	copy(steps, stepOrder)
	return steps
}

// ValidateParams implements registry.Workflow. Checked before task creation;
// failures surface as 400s.
func (w *Workflow) ValidateParams(params map[string]any) error {
	topic, _ := params["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return task.NewError(task.KindValidation, "topic is required and must be a non-empty string")
	}
	if raw, ok := params["imageCount"]; ok {
		n, err := workflow.IntParam(raw)
		if err != nil || n < 0 || n > 10 {
			return task.NewError(task.KindValidation, "imageCount must be an integer between 0 and 10")
		}
	}
	if raw, ok := params["imageSize"]; ok {
		size, _ := raw.(string)
		if !imageSizeRe.MatchString(size) {
			return task.NewError(task.KindValidation, "imageSize must look like 1920x1920")
		}
	}
	for _, key := range []string{"maxTextRetries", "maxImageRetries"} {
		if raw, ok := params[key]; ok {
			n, err := workflow.IntParam(raw)
			if err != nil || n < 0 || n > 10 {
				return task.NewError(task.KindValidation, key+" must be an integer between 0 and 10")
			}
		}
	}
	return nil
}

// NewExecution implements registry.Workflow.
func (w *Workflow) NewExecution(t *task.Task) (registry.Execution, error) {
	initial, err := w.initialState(t)
	if err != nil {
		return nil, err
	}
	return &execution{deps: w.deps, task: t, initial: initial}, nil
}

// initialState builds the fresh state from the task's immutable inputs.
func (w *Workflow) initialState(t *task.Task) (*State, error) {
	if err := w.ValidateParams(t.TypedInputs); err != nil {
		return nil, err
	}
	in := t.TypedInputs

	s := &State{
		BaseState: task.BaseState{
			TaskID:       t.ID,
			WorkflowType: Type,
			Mode:         t.Mode,
			StartTime:    time.Now(),
		},
		Topic:           strings.TrimSpace(in["topic"].(string)),
		ImageCount:      DefaultImageCount,
		ImageSize:       defaultImageSize,
		MaxTextRetries:  DefaultMaxRetries,
		MaxImageRetries: DefaultMaxRetries,
	}
	if req, ok := in["requirements"].(string); ok {
		s.Requirements = req
	}
	if raw, ok := in["hardConstraints"]; ok {
		c, err := quality.ParseConstraints(raw)
		if err != nil {
			return nil, err
		}
		s.Constraints = c
	}
	if raw, ok := in["imageCount"]; ok {
		s.ImageCount, _ = workflow.IntParam(raw)
	}
	if size, ok := in["imageSize"].(string); ok && size != "" {
		s.ImageSize = size
	}
	if raw, ok := in["maxTextRetries"]; ok {
		s.MaxTextRetries, _ = workflow.IntParam(raw)
	}
	if raw, ok := in["maxImageRetries"]; ok {
		s.MaxImageRetries, _ = workflow.IntParam(raw)
	}
	return s, nil
}

// BuildGraph assembles the content-creator graph. Exposed for tests that
// drive the engine directly.
func BuildGraph(deps workflow.Deps) (*graph.Engine[*State], error) {
	eng := graph.New[*State](Reduce,
		workflow.CheckpointFunc[*State](deps.Checkpoints), deps.Emitter, deps.EngineOptions)

	nodes := []graph.Node[*State]{
		newSearchNode(deps.Search),
		newOrganizeNode(deps.Chat),
		newWriteNode(deps.Chat),
		newCheckTextNode(deps.TextGate),
		newGenerateImageNode(deps.Images),
		newCheckImageNode(deps.ImageGate),
		newPostProcessNode(),
	}
	for _, n := range nodes {
		if err := eng.Add(n); err != nil {
			return nil, err
		}
	}
	if err := eng.StartAt(StepSearch); err != nil {
		return nil, err
	}

	rewrite := func(s *State) bool { return s.RewriteText }
	regenerate := func(s *State) bool { return s.RegenerateImages }

	type edge struct {
		from, to string
		when     graph.Predicate[*State]
	}
	edges := []edge{
		{StepSearch, StepOrganize, nil},
		{StepOrganize, StepWrite, nil},
		{StepWrite, StepCheckText, nil},
		{StepCheckText, StepWrite, rewrite},
		{StepCheckText, StepGenerateImage, nil}, // accept-and-proceed
		{StepGenerateImage, StepCheckImage, nil},
		{StepCheckImage, StepGenerateImage, regenerate},
		{StepCheckImage, StepPostProcess, nil}, // accept-and-proceed
	}
	for _, e := range edges {
		if err := eng.Connect(e.from, e.to, e.when); err != nil {
			return nil, err
		}
	}
	if err := eng.Finish(StepPostProcess); err != nil {
		return nil, err
	}
	return eng, nil
}

// execution is one task's run of the content-creator graph.
type execution struct {
	deps    workflow.Deps
	task    *task.Task
	initial *State
}

// Start implements registry.Execution.
func (e *execution) Start(ctx context.Context) registry.Outcome {
	eng, err := BuildGraph(e.deps)
	if err != nil {
		return registry.Outcome{Err: err}
	}
	final, runErr := eng.Run(ctx, e.initial)
	return e.outcome(final, runErr)
}

// Resume implements registry.Execution. The checkpoint wins for accumulated
// progress; the immutable inputs are re-pinned from the original request.
func (e *execution) Resume(ctx context.Context) registry.Outcome {
	eng, err := BuildGraph(e.deps)
	if err != nil {
		return registry.Outcome{Err: err}
	}

	var cp *checkpoint.Checkpoint
	if e.deps.Checkpoints != nil {
		if cp, err = e.deps.Checkpoints.Load(ctx, e.task.ID); err != nil {
			return registry.Outcome{Err: err}
		}
	}

	state := e.initial
	if cp != nil {
		if state, err = checkpoint.Restore(cp, e.initial); err != nil {
			return registry.Outcome{Err: err}
		}
	}

	final, runErr := eng.Resume(ctx, state)
	return e.outcome(final, runErr)
}

func (e *execution) outcome(final *State, runErr error) registry.Outcome {
	if final == nil {
		final = e.initial
	}
	out := registry.Outcome{
		State:          final,
		StepsCompleted: workflow.CompletedSteps(final.Base()),
		RetryCounts: map[string]int{
			RetryClassText:  final.TextRetryCount,
			RetryClassImage: final.ImageRetryCount,
		},
		TokensUsed: final.TokensUsed,
		Err:        runErr,
	}

	if final.TextReport != nil {
		out.Reports = append(out.Reports, workflow.DecisionReport(e.task.ID, "text", final.TextReport))
	}
	if final.ImageReport != nil {
		out.Reports = append(out.Reports, workflow.DecisionReport(e.task.ID, "image", final.ImageReport))
	}

	if runErr != nil {
		return out
	}

	out.Results = append(out.Results, &task.Result{
		TaskID:     e.task.ID,
		ResultType: "article",
		Content:    final.ArticleContent,
		Metadata: map[string]any{
			"wordCount":  quality.CountWords(final.ArticleContent),
			"tokensUsed": final.TokensUsed,
		},
	})
	for _, img := range final.Images {
		out.Results = append(out.Results, &task.Result{
			TaskID:     e.task.ID,
			ResultType: "image",
			Content:    img.URL,
			Metadata:   map[string]any{"prompt": img.Prompt, "size": img.Size},
		})
	}
	out.Results = append(out.Results, &task.Result{
		TaskID:     e.task.ID,
		ResultType: "finalArticle",
		Content:    final.FinalContent,
		Metadata:   map[string]any{"imageCount": len(final.Images)},
	})
	return out
}

const defaultImageSize = "1920x1920"
