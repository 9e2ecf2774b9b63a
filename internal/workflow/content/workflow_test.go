package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/model"
)

// scriptedTextGate returns a scripted sequence of verdicts; the last verdict
// repeats once the script runs out.
type scriptedTextGate struct {
	verdicts []bool
	calls    int
}

func (g *scriptedTextGate) Check(_ context.Context, _, _ string, _ quality.HardConstraints) (quality.Decision, error) {
	i := g.calls
	if i >= len(g.verdicts) {
		i = len(g.verdicts) - 1
	}
	g.calls++

	passed := g.verdicts[i]
	d := quality.Decision{Passed: passed, Score: 9, HardOK: true}
	if !passed {
		d.Score = 4
		d.Suggestions = []string{"add a conclusion section"}
	}
	return d, nil
}

type scriptedImageGate struct {
	verdicts []bool
	calls    int
}

func (g *scriptedImageGate) CheckImages(_ context.Context, images []services.GeneratedImage, _ string) (quality.Decision, error) {
	i := g.calls
	if i >= len(g.verdicts) {
		i = len(g.verdicts) - 1
	}
	g.calls++
	return quality.Decision{
		Passed:  g.verdicts[i],
		Score:   8,
		HardOK:  true,
		Details: map[string]any{"imageCount": len(images)},
	}, nil
}

func testState(maxTextRetries int) *State {
	return &State{
		BaseState: task.BaseState{
			TaskID:       "task-1",
			WorkflowType: Type,
			Mode:         task.ModeSync,
			StartTime:    time.Now(),
		},
		Topic:           "edge computing",
		Requirements:    "an overview for engineers",
		ImageCount:      1,
		ImageSize:       defaultImageSize,
		MaxTextRetries:  maxTextRetries,
		MaxImageRetries: DefaultMaxRetries,
	}
}

func testDeps(chat *model.MockChatModel, text quality.TextGate, image quality.ImageGate) (workflow.Deps, *services.MockSearchService, *services.MockImageService) {
	search := &services.MockSearchService{Results: []services.SearchResult{
		{Title: "Edge computing primer", URL: "https://example.com/a", Snippet: "latency matters"},
	}}
	images := &services.MockImageService{}
	deps := workflow.Deps{
		Chat:      chat,
		Search:    search,
		Images:    images,
		TextGate:  text,
		ImageGate: image,
	}
	return deps, search, images
}

func TestHappyPath(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief", TokensUsed: 50},
		{Text: "# Edge Computing\n\nBody.\n\nIn summary, done.", TokensUsed: 200},
	}}
	deps, _, images := testDeps(chat,
		&scriptedTextGate{verdicts: []bool{true}},
		&scriptedImageGate{verdicts: []bool{true}})

	eng, err := BuildGraph(deps)
	require.NoError(t, err)

	final, err := eng.Run(context.Background(), testState(DefaultMaxRetries))
	require.NoError(t, err)

	assert.Equal(t, 0, final.TextRetryCount)
	assert.Equal(t, 0, final.ImageRetryCount)
	assert.Contains(t, final.FinalContent, "# Edge Computing")
	assert.Contains(t, final.FinalContent, "![")
	assert.Equal(t, 1, images.CallCount())
	assert.Equal(t, 250, final.TokensUsed)
	assert.Equal(t, stepOrder, workflow.CompletedSteps(final.Base()))
	assert.NotNil(t, final.EndTime)
}

func TestQualityRetryLoop(t *testing.T) {
	// Gate fails twice then passes: the writer runs three times and the
	// retry counter lands on two.
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief"},
		{Text: "draft one"},
		{Text: "draft two"},
		{Text: "draft three"},
	}}
	gate := &scriptedTextGate{verdicts: []bool{false, false, true}}
	deps, _, _ := testDeps(chat, gate, &scriptedImageGate{verdicts: []bool{true}})

	eng, err := BuildGraph(deps)
	require.NoError(t, err)

	final, err := eng.Run(context.Background(), testState(DefaultMaxRetries))
	require.NoError(t, err)

	assert.Equal(t, 4, chat.CallCount()) // organize + three writes
	assert.Equal(t, 3, gate.calls)
	assert.Equal(t, 2, final.TextRetryCount)
	assert.Equal(t, "draft two", final.PreviousContent)
	assert.Equal(t, "draft three", final.ArticleContent)
	assert.True(t, final.TextReport.Passed)
}

func TestRetryBudgetExhaustedAcceptsAndProceeds(t *testing.T) {
	// An always-failing gate with budget 3 yields exactly four writer
	// invocations, then the run still completes with the article delivered.
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief"},
		{Text: "the article draft"},
	}}
	gate := &scriptedTextGate{verdicts: []bool{false}}
	deps, _, _ := testDeps(chat, gate, &scriptedImageGate{verdicts: []bool{true}})

	eng, err := BuildGraph(deps)
	require.NoError(t, err)

	final, err := eng.Run(context.Background(), testState(3))
	require.NoError(t, err)

	assert.Equal(t, 5, chat.CallCount()) // organize + four writes
	assert.Equal(t, 3, final.TextRetryCount)
	require.NotNil(t, final.TextReport)
	assert.False(t, final.TextReport.Passed)
	assert.NotEmpty(t, final.FinalContent)
}

func TestImageRegenerationLoop(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief"},
		{Text: "the article"},
	}}
	imageGate := &scriptedImageGate{verdicts: []bool{false, true}}
	deps, _, images := testDeps(chat, &scriptedTextGate{verdicts: []bool{true}}, imageGate)

	eng, err := BuildGraph(deps)
	require.NoError(t, err)

	final, err := eng.Run(context.Background(), testState(DefaultMaxRetries))
	require.NoError(t, err)

	assert.Equal(t, 2, images.CallCount())
	assert.Equal(t, 1, final.ImageRetryCount)
	assert.True(t, final.ImageReport.Passed)
}

func TestZeroImageCountSkipsGeneration(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief"},
		{Text: "the article"},
	}}
	deps, _, images := testDeps(chat,
		&scriptedTextGate{verdicts: []bool{true}},
		&scriptedImageGate{verdicts: []bool{true}})

	state := testState(DefaultMaxRetries)
	state.ImageCount = 0

	eng, err := BuildGraph(deps)
	require.NoError(t, err)

	final, err := eng.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, 0, images.CallCount())
	assert.Empty(t, final.Images)
	assert.NotContains(t, final.FinalContent, "![")
}

func TestReduceRoutingFlagsLiveForOnePatch(t *testing.T) {
	prev := testState(DefaultMaxRetries)

	raised := Reduce(prev, &State{RewriteText: true, TextRetryCount: 1})
	assert.True(t, raised.RewriteText)
	assert.Equal(t, 1, raised.TextRetryCount)

	// The next node's patch clears the flag; the counter never moves back.
	next := Reduce(raised, &State{ArticleContent: "revised"})
	assert.False(t, next.RewriteText)
	assert.Equal(t, 1, next.TextRetryCount)
}

func TestValidateParams(t *testing.T) {
	w := New(workflow.Deps{})

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"minimal", map[string]any{"topic": "go generics"}, false},
		{"full", map[string]any{
			"topic": "go generics", "requirements": "deep dive",
			"imageCount": float64(2), "imageSize": "1024x768",
			"maxTextRetries": float64(1),
		}, false},
		{"missing topic", map[string]any{}, true},
		{"blank topic", map[string]any{"topic": "   "}, true},
		{"negative imageCount", map[string]any{"topic": "x", "imageCount": float64(-1)}, true},
		{"fractional imageCount", map[string]any{"topic": "x", "imageCount": 1.5}, true},
		{"bad imageSize", map[string]any{"topic": "x", "imageSize": "huge"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.ValidateParams(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, task.KindValidation, task.KindOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOutcomeCollectsResultsAndReports(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "organized brief"},
		{Text: "# Title\n\nThe article body."},
	}}
	deps, _, _ := testDeps(chat,
		&scriptedTextGate{verdicts: []bool{true}},
		&scriptedImageGate{verdicts: []bool{true}})

	w := New(deps)
	tk := &task.Task{
		ID:           "task-9",
		WorkflowType: Type,
		Mode:         task.ModeSync,
		TypedInputs:  map[string]any{"topic": "edge computing"},
	}
	exec, err := w.NewExecution(tk)
	require.NoError(t, err)

	out := exec.Start(context.Background())
	require.NoError(t, out.Err)

	types := make([]string, len(out.Results))
	for i, r := range out.Results {
		types[i] = r.ResultType
	}
	assert.Equal(t, []string{"article", "image", "finalArticle"}, types)

	require.Len(t, out.Reports, 2)
	assert.Equal(t, "text", out.Reports[0].Phase)
	assert.Equal(t, "image", out.Reports[1].Phase)
	assert.Equal(t, 0, out.RetryCounts[RetryClassText])
	assert.Equal(t, stepOrder, out.StepsCompleted)
}
