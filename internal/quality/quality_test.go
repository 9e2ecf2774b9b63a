package quality

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/model"
)

func TestCountWords(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"english", "the quick brown fox", 4},
		{"chinese", "人工智能技术", 6},
		{"mixed", "AI 技术的发展", 6},
		{"empty", "", 0},
		{"punctuation only", "..., !!!", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountWords(tt.content))
		})
	}
}

func TestCheckHardLengthBoundsInclusive(t *testing.T) {
	content := strings.TrimSpace(strings.Repeat("word ", 500))

	exact := CheckHard(content, HardConstraints{MinWords: 500, MaxWords: 500})
	assert.True(t, exact.Passed)
	assert.Equal(t, 500, exact.WordCount)

	short := CheckHard(content, HardConstraints{MinWords: 501})
	assert.False(t, short.Passed)

	long := CheckHard(content, HardConstraints{MaxWords: 499})
	assert.False(t, long.Passed)
}

func TestCheckHardKeywordsCaseSensitive(t *testing.T) {
	content := "An article about ai and machine learning."

	r := CheckHard(content, HardConstraints{Keywords: []string{"AI"}})
	assert.False(t, r.Passed)

	r = CheckHard(content, HardConstraints{Keywords: []string{"ai", "machine learning"}})
	assert.True(t, r.Passed)
}

func TestCheckHardForbiddenWords(t *testing.T) {
	r := CheckHard("totally spam free content", HardConstraints{ForbiddenWords: []string{"spam"}})
	assert.False(t, r.Passed)
	require.Len(t, r.Rules, 1)
	assert.Contains(t, r.Rules[0].Diagnosis, "spam")
}

func TestCheckHardStructure(t *testing.T) {
	good := "# Title\n\nFirst section body.\n\nSecond section body.\n\nIn summary, all is well."
	r := CheckHard(good, HardConstraints{RequiredSections: 3})
	assert.True(t, r.Passed)

	noHeading := "First section.\n\nConclusion: done."
	r = CheckHard(noHeading, HardConstraints{RequiredSections: 1})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Rules[0].Diagnosis, "heading")
}

const goodScores = `{"relevance": 9, "coherence": 8, "completeness": 8, "readability": 9, "suggestions": []}`

func TestEvaluateWeightedScore(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: goodScores, TokensUsed: 120, ModelName: "mock-1"},
	}}
	ev := NewEvaluator(mock, "", nil)

	result, err := ev.Evaluate(context.Background(), "artifact", "requirements")
	require.NoError(t, err)

	// 9*0.3 + 8*0.3 + 8*0.2 + 9*0.2 = 8.5
	assert.InDelta(t, 8.5, result.Score, 0.001)
	assert.Equal(t, 120, result.TokensUsed)
	assert.Equal(t, "mock-1", result.ModelName)
	assert.False(t, result.Degraded)
}

func TestEvaluateStripsCodeFences(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "```json\n" + goodScores + "\n```"},
	}}
	ev := NewEvaluator(mock, "", nil)

	result, err := ev.Evaluate(context.Background(), "artifact", "requirements")
	require.NoError(t, err)
	assert.InDelta(t, 8.5, result.Score, 0.001)
}

func TestEvaluateParseFailureYieldsNeutralScore(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "I think the article is pretty good overall."},
	}}
	ev := NewEvaluator(mock, "", nil)

	result, err := ev.Evaluate(context.Background(), "artifact", "requirements")
	require.NoError(t, err)
	assert.InDelta(t, NeutralScore, result.Score, 0.001)
	assert.Empty(t, result.Suggestions)
	assert.True(t, result.Degraded)
}

func TestEvaluateTransportErrorSurfaces(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("connection refused")}
	ev := NewEvaluator(mock, "", nil)

	_, err := ev.Evaluate(context.Background(), "artifact", "requirements")
	assert.Error(t, err)
}

func TestLengthSuggestionTiers(t *testing.T) {
	tests := []struct {
		name   string
		words  int
		min    int
		expect string
	}{
		{"small", 460, 500, "small revision"},
		{"medium", 400, 500, "medium revision"},
		{"heavy", 200, 500, "heavy rework"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := lengthSuggestion(tt.words, tt.min, 0)
			assert.Contains(t, s, tt.expect)
			assert.Contains(t, s, "expand")
		})
	}
}

func TestSynthesizeDedupes(t *testing.T) {
	hard := CheckHard("short text", HardConstraints{Keywords: []string{"AI"}})
	suggestions := Synthesize(hard, HardConstraints{Keywords: []string{"AI"}},
		[]string{"add more detail", "add more detail", ""})

	require.Len(t, suggestions, 2)
	assert.Contains(t, suggestions[0], "AI")
	assert.Equal(t, "add more detail", suggestions[1])
}

func TestGateHardFailureOverridesSoftScore(t *testing.T) {
	// A perfect soft score cannot rescue a hard-rule failure.
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `{"relevance":10,"coherence":10,"completeness":10,"readability":10,"suggestions":[]}`},
	}}
	gate := NewGate(NewEvaluator(mock, "", nil), 0, nil)

	decision, err := gate.Check(context.Background(), "too short",
		"requirements", HardConstraints{MinWords: 100})
	require.NoError(t, err)

	assert.False(t, decision.Passed)
	assert.False(t, decision.HardOK)
	assert.InDelta(t, 10.0, decision.Score, 0.001)
	assert.NotEmpty(t, decision.Suggestions)
}

func TestGatePassesAboveThreshold(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: goodScores}}}
	gate := NewGate(NewEvaluator(mock, "", nil), 0, nil)

	content := "# Title\n\n" + strings.Repeat("word ", 120)
	decision, err := gate.Check(context.Background(), content,
		"requirements", HardConstraints{MinWords: 100})
	require.NoError(t, err)

	assert.True(t, decision.Passed)
	assert.True(t, decision.HardOK)
	assert.Empty(t, decision.Suggestions)
}

func TestGateBelowThresholdFails(t *testing.T) {
	low := `{"relevance":5,"coherence":5,"completeness":5,"readability":5,"suggestions":["tighten the intro"]}`
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: low}}}
	gate := NewGate(NewEvaluator(mock, "", nil), 0, nil)

	decision, err := gate.Check(context.Background(), "fine text", "requirements", HardConstraints{})
	require.NoError(t, err)

	assert.False(t, decision.Passed)
	assert.True(t, decision.HardOK)
	assert.Contains(t, decision.Suggestions, "tighten the intro")
}

func TestCheckImagesEmptyListPasses(t *testing.T) {
	ev := NewImageEvaluator(&model.MockChatModel{}, 0, nil)

	decision, err := ev.CheckImages(context.Background(), nil, "requirements")
	require.NoError(t, err)
	assert.True(t, decision.Passed)
	assert.Equal(t, 0, decision.Details["imageCount"])
}

func TestCheckImagesAveragesScores(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: goodScores}}}
	ev := NewImageEvaluator(mock, 0, nil)

	images := []services.GeneratedImage{
		{URL: "https://img/1.png", Prompt: "p1", Size: "1920x1920"},
		{URL: "https://img/2.png", Prompt: "p2", Size: "1920x1920"},
	}
	decision, err := ev.CheckImages(context.Background(), images, "requirements")
	require.NoError(t, err)

	assert.True(t, decision.Passed)
	assert.InDelta(t, 8.5, decision.Score, 0.001)
	assert.Equal(t, 2, decision.Details["imageCount"])
}

func TestCheckImagesFailureDegradesToNeutral(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("vision endpoint down")}
	ev := NewImageEvaluator(mock, 0, nil)

	images := []services.GeneratedImage{{URL: "https://img/1.png", Prompt: "p"}}
	decision, err := ev.CheckImages(context.Background(), images, "requirements")
	require.NoError(t, err)

	assert.InDelta(t, NeutralScore, decision.Score, 0.001)
	assert.True(t, decision.Passed)
}
