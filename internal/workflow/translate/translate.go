// Package translate implements the translation workflow: a single LLM
// translate step guarded by the text quality gate, with a gated retry loop
// feeding revision guidance back into the translator.
package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/model"
)

// Type is the registry key for the translation workflow.
const Type = "translation"

const (
	StepTranslate    = "translate"
	StepCheckQuality = "checkQuality"
)

// RetryClassText is the translation workflow's only retry class.
const RetryClassText = "text"

// DefaultMaxRetries is the quality retry budget when the request does not
// set one.
const DefaultMaxRetries = 3

var stepOrder = []string{StepTranslate, StepCheckQuality}

// State is the translation workflow state. SourceText through MaxRetries are
// immutable request inputs.
type State struct {
	task.BaseState

	SourceText  string                  `json:"sourceText"`
	SourceLang  string                  `json:"sourceLang,omitempty"`
	TargetLang  string                  `json:"targetLang"`
	Constraints quality.HardConstraints `json:"hardConstraints,omitempty"`
	MaxRetries  int                     `json:"maxRetries"`

	TranslatedText      string            `json:"translatedText,omitempty"`
	PreviousTranslation string            `json:"previousTranslation,omitempty"`
	Report              *quality.Decision `json:"qualityReport,omitempty"`
	RetryCount          int               `json:"textRetryCount"`
	Retranslate         bool              `json:"retranslate,omitempty"`
	TokensUsed          int               `json:"tokensUsed"`
}

// Base returns the engine-managed lifecycle fields.
func (s *State) Base() *task.BaseState { return &s.BaseState }

// PinInputsFrom restores the immutable request inputs from the freshly built
// initial state.
func (s *State) PinInputsFrom(initial *State) {
	s.SourceText = initial.SourceText
	s.SourceLang = initial.SourceLang
	s.TargetLang = initial.TargetLang
	s.Constraints = initial.Constraints
	s.MaxRetries = initial.MaxRetries
}

// Reduce merges a node's patch into the previous state.
func Reduce(prev, patch *State) *State {
	if patch == nil {
		return prev
	}
	next := *prev

	if patch.TranslatedText != "" {
		next.TranslatedText = patch.TranslatedText
	}
	if patch.PreviousTranslation != "" {
		next.PreviousTranslation = patch.PreviousTranslation
	}
	if patch.Report != nil {
		next.Report = patch.Report
	}
	if patch.RetryCount > next.RetryCount {
		next.RetryCount = patch.RetryCount
	}
	next.Retranslate = patch.Retranslate
	next.TokensUsed = prev.TokensUsed + patch.TokensUsed

	return &next
}

// translateNode performs the translation, revising its previous output when
// the quality gate sent it back.
type translateNode struct {
	graph.NodeConfig
	chat model.ChatModel
}

func newTranslateNode(chat model.ChatModel) *translateNode {
	return &translateNode{
		NodeConfig: graph.NodeConfig{NodeName: StepTranslate, NodeRetries: 2, NodeTimeout: 120 * time.Second},
		chat:       chat,
	}
}

func (n *translateNode) Validate(state *State) error {
	if strings.TrimSpace(state.SourceText) == "" {
		return task.NewError(task.KindValidation, "sourceText is required")
	}
	if strings.TrimSpace(state.TargetLang) == "" {
		return task.NewError(task.KindValidation, "targetLang is required")
	}
	return nil
}

func (n *translateNode) Execute(ctx context.Context, state *State) (*State, error) {
	source := state.SourceLang
	if source == "" {
		source = "the source language (detect it)"
	}

	system := fmt.Sprintf(
		"You are a professional translator. Translate from %s to %s. Preserve meaning, tone, and formatting. Output only the translation.",
		source, state.TargetLang)
	if len(state.Constraints.Keywords) > 0 {
		system += " Keep these terms exactly as given: " + strings.Join(state.Constraints.Keywords, ", ") + "."
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: state.SourceText},
	}
	if state.Retranslate && state.PreviousTranslation != "" && state.Report != nil {
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: state.PreviousTranslation},
			model.Message{Role: model.RoleUser, Content: "Revise the translation above. Address every point:\n- " +
				strings.Join(state.Report.Suggestions, "\n- ")},
		)
	}

	out, err := n.chat.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &State{TranslatedText: out.Text, TokensUsed: out.TokensUsed}, nil
}

// checkQualityNode gates the translation with the same budgeted routing as
// the content workflow's text check.
type checkQualityNode struct {
	graph.NodeConfig
	gate quality.TextGate
}

func newCheckQualityNode(gate quality.TextGate) *checkQualityNode {
	return &checkQualityNode{
		NodeConfig: graph.NodeConfig{NodeName: StepCheckQuality, NodeRetries: 1, NodeTimeout: 60 * time.Second},
		gate:       gate,
	}
}

func (n *checkQualityNode) Validate(state *State) error {
	if state.TranslatedText == "" {
		return task.NewError(task.KindValidation, "translated text missing; translate must run first")
	}
	return nil
}

func (n *checkQualityNode) Execute(ctx context.Context, state *State) (*State, error) {
	requirements := fmt.Sprintf("A faithful, fluent translation into %s of:\n%s", state.TargetLang, state.SourceText)
	decision, err := n.gate.Check(ctx, state.TranslatedText, requirements, state.Constraints)
	if err != nil {
		return nil, err
	}

	patch := &State{Report: &decision, TokensUsed: decision.TokensUsed}
	if !decision.Passed && state.RetryCount < state.MaxRetries {
		patch.Retranslate = true
		patch.RetryCount = state.RetryCount + 1
		patch.PreviousTranslation = state.TranslatedText
	}
	return patch, nil
}

// Workflow is the translation workflow definition.
type Workflow struct {
	deps workflow.Deps
}

// New creates the translation workflow over the given dependency bundle.
func New(deps workflow.Deps) *Workflow {
	return &Workflow{deps: deps}
}

// Metadata implements registry.Workflow.
func (w *Workflow) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:           Type,
		Version:        1,
		Name:           "Translation",
		Description:    "Translates text with a quality-gated revision loop.",
		Category:       "language",
		Tags:           []string{"translation"},
		RequiredInputs: []string{"sourceText", "targetLang"},
		OptionalInputs: []string{"sourceLang", "hardConstraints", "maxRetries"},
		StepNames: map[string]string{
			StepTranslate:    "Translating",
			StepCheckQuality: "Checking translation quality",
		},
		RetryClasses: []string{RetryClassText},
		Examples: []map[string]any{
			{"sourceText": "Hello, world", "targetLang": "French"},
		},
	}
}

// Steps implements registry.Workflow.
func (w *Workflow) Steps() []string {
	steps := make([]string, len(stepOrder))
	copy(steps, stepOrder)
	return steps
}

// ValidateParams implements registry.Workflow.
func (w *Workflow) ValidateParams(params map[string]any) error {
	text, _ := params["sourceText"].(string)
	if strings.TrimSpace(text) == "" {
		return task.NewError(task.KindValidation, "sourceText is required and must be a non-empty string")
	}
	lang, _ := params["targetLang"].(string)
	if strings.TrimSpace(lang) == "" {
		return task.NewError(task.KindValidation, "targetLang is required and must be a non-empty string")
	}
	if raw, ok := params["maxRetries"]; ok {
		n, err := workflow.IntParam(raw)
		if err != nil || n < 0 || n > 10 {
			return task.NewError(task.KindValidation, "maxRetries must be an integer between 0 and 10")
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
		SourceText: in["sourceText"].(string),
		TargetLang: strings.TrimSpace(in["targetLang"].(string)),
		MaxRetries: DefaultMaxRetries,
	}
	if lang, ok := in["sourceLang"].(string); ok {
		s.SourceLang = strings.TrimSpace(lang)
	}
	if raw, ok := in["hardConstraints"]; ok {
		c, err := quality.ParseConstraints(raw)
		if err != nil {
			return nil, err
		}
		s.Constraints = c
	}
	if raw, ok := in["maxRetries"]; ok {
		s.MaxRetries, _ = workflow.IntParam(raw)
	}
	return s, nil
}

// BuildGraph assembles the translation graph. Exposed for tests.
func BuildGraph(deps workflow.Deps) (*graph.Engine[*State], error) {
	eng := graph.New[*State](Reduce,
		workflow.CheckpointFunc[*State](deps.Checkpoints), deps.Emitter, deps.EngineOptions)

	if err := eng.Add(newTranslateNode(deps.Chat)); err != nil {
		return nil, err
	}
	if err := eng.Add(newCheckQualityNode(deps.TextGate)); err != nil {
		return nil, err
	}
	if err := eng.StartAt(StepTranslate); err != nil {
		return nil, err
	}
	if err := eng.Connect(StepTranslate, StepCheckQuality, nil); err != nil {
		return nil, err
	}
	retranslate := func(s *State) bool { return s.Retranslate }
	if err := eng.Connect(StepCheckQuality, StepTranslate, retranslate); err != nil {
		return nil, err
	}
	// Accept-and-proceed: a failed translation past its budget is still
	// delivered.
	if err := eng.Finish(StepCheckQuality); err != nil {
		return nil, err
	}
	return eng, nil
}

// execution is one task's run of the translation graph.
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

// Resume implements registry.Execution.
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
		RetryCounts:    map[string]int{RetryClassText: final.RetryCount},
		TokensUsed:     final.TokensUsed,
		Err:            runErr,
	}
	if final.Report != nil {
		out.Reports = append(out.Reports, workflow.DecisionReport(e.task.ID, "text", final.Report))
	}
	if runErr != nil {
		return out
	}

	out.Results = append(out.Results, &task.Result{
		TaskID:     e.task.ID,
		ResultType: "text",
		Content:    final.TranslatedText,
		Metadata: map[string]any{
			"sourceLang": final.SourceLang,
			"targetLang": final.TargetLang,
			"wordCount":  quality.CountWords(final.TranslatedText),
		},
	})
	return out
}
