package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/model"
)

// NeutralScore is substituted when the evaluator's response cannot be
// parsed. Blocking a workflow on a malformed score reply is worse than
// accepting a mid-score artifact.
const NeutralScore = 7.0

// DefaultThreshold is the weighted score an artifact must clear.
const DefaultThreshold = 7.0

// Dimension weights for the overall score.
const (
	weightRelevance    = 0.3
	weightCoherence    = 0.3
	weightCompleteness = 0.2
	weightReadability  = 0.2
)

// SoftResult is the outcome of one LLM-scored evaluation.
type SoftResult struct {
	Score       float64            `json:"score"`
	Dimensions  map[string]float64 `json:"dimensions,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	ModelName   string             `json:"modelName,omitempty"`
	TokensUsed  int                `json:"tokensUsed"`

	// Degraded is set when the response failed to parse and the neutral
	// score was substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// Evaluator scores artifacts against a rubric via an LLM.
type Evaluator struct {
	model  model.ChatModel
	rubric string
	logger *slog.Logger
}

// RubricVersion identifies the built-in rubric on persisted reports.
const RubricVersion = "v1"

const defaultRubric = `Score the artifact on four dimensions, each 0-10:
- relevance: does it address the stated topic and requirements?
- coherence: is the argument ordered and internally consistent?
- completeness: does it cover what the requirements ask for?
- readability: is it clear and well structured for the target reader?

Respond with strict JSON only, no prose, no code fences:
{"relevance": N, "coherence": N, "completeness": N, "readability": N, "suggestions": ["...", "..."]}`

// NewEvaluator creates an Evaluator using the given chat model. An empty
// rubric selects the built-in one.
func NewEvaluator(m model.ChatModel, rubric string, logger *slog.Logger) *Evaluator {
	if rubric == "" {
		rubric = defaultRubric
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{model: m, rubric: rubric, logger: logger}
}

// Evaluate scores the artifact against the requirements. The error return
// covers only transport-level failures; an unparseable response degrades to
// the neutral score instead of erroring.
func (e *Evaluator) Evaluate(ctx context.Context, artifact, requirements string) (SoftResult, error) {
	prompt := fmt.Sprintf("Requirements:\n%s\n\nArtifact:\n%s", requirements, artifact)

	out, err := e.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: e.rubric},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil {
		return SoftResult{}, err
	}

	result, ok := parseScores(out.Text)
	if !ok {
		e.logger.Warn("quality score response did not parse, using neutral score",
			"model", out.ModelName, "response_len", len(out.Text))
		result = SoftResult{Score: NeutralScore, Degraded: true}
	}
	result.ModelName = out.ModelName
	result.TokensUsed = out.TokensUsed
	return result, nil
}

// parseScores extracts the strict-JSON score object, tolerating code fences
// and surrounding prose.
func parseScores(text string) (SoftResult, bool) {
	payload := extractJSONObject(text)
	if payload == "" {
		return SoftResult{}, false
	}

	var raw struct {
		Relevance    float64  `json:"relevance"`
		Coherence    float64  `json:"coherence"`
		Completeness float64  `json:"completeness"`
		Readability  float64  `json:"readability"`
		Suggestions  []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return SoftResult{}, false
	}

	dims := map[string]float64{
		"relevance":    clampScore(raw.Relevance),
		"coherence":    clampScore(raw.Coherence),
		"completeness": clampScore(raw.Completeness),
		"readability":  clampScore(raw.Readability),
	}
	score := dims["relevance"]*weightRelevance +
		dims["coherence"]*weightCoherence +
		dims["completeness"]*weightCompleteness +
		dims["readability"]*weightReadability

	return SoftResult{Score: score, Dimensions: dims, Suggestions: raw.Suggestions}, true
}

// extractJSONObject strips code fences and returns the outermost {...} span.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || start >= end {
		return ""
	}
	return text[start : end+1]
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
