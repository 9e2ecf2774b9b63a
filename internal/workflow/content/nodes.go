package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/model"
)

const searchLimit = 5

// articleExcerptLen bounds how much of the article feeds the image prompt.
const articleExcerptLen = 600

// searchNode gathers source material for the topic.
type searchNode struct {
	graph.NodeConfig
	search services.SearchService
}

func newSearchNode(search services.SearchService) *searchNode {
	return &searchNode{
		NodeConfig: graph.NodeConfig{NodeName: StepSearch, NodeRetries: 2, NodeTimeout: 30 * time.Second},
		search:     search,
	}
}

func (n *searchNode) Validate(state *State) error {
	if strings.TrimSpace(state.Topic) == "" {
		return task.NewError(task.KindValidation, "topic is required")
	}
	return nil
}

func (n *searchNode) Execute(ctx context.Context, state *State) (*State, error) {
	results, err := n.search.Search(ctx, state.Topic, searchLimit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []services.SearchResult{}
	}
	return &State{SearchResults: results}, nil
}

// organizeNode condenses the search results into a writing brief.
type organizeNode struct {
	graph.NodeConfig
	chat model.ChatModel
}

func newOrganizeNode(chat model.ChatModel) *organizeNode {
	return &organizeNode{
		NodeConfig: graph.NodeConfig{NodeName: StepOrganize, NodeRetries: 2, NodeTimeout: 60 * time.Second},
		chat:       chat,
	}
}

func (n *organizeNode) Validate(state *State) error {
	if state.SearchResults == nil {
		return task.NewError(task.KindValidation, "search results missing; search must run first")
	}
	return nil
}

func (n *organizeNode) Execute(ctx context.Context, state *State) (*State, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", state.Topic)
	if state.Requirements != "" {
		fmt.Fprintf(&b, "Requirements: %s\n", state.Requirements)
	}
	b.WriteString("\nSource material:\n")
	for i, r := range state.SearchResults {
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Snippet)
	}

	out, err := n.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You are a research assistant. Organize the source material into a structured writing brief: key facts, themes, and an outline. Be concise and factual."},
		{Role: model.RoleUser, Content: b.String()},
	})
	if err != nil {
		return nil, err
	}
	return &State{OrganizedInfo: out.Text, TokensUsed: out.TokensUsed}, nil
}

// writeNode produces the article draft. On a rewrite pass it revises the
// previous draft against the quality gate's suggestions instead of starting
// over.
type writeNode struct {
	graph.NodeConfig
	chat model.ChatModel
}

func newWriteNode(chat model.ChatModel) *writeNode {
	return &writeNode{
		NodeConfig: graph.NodeConfig{NodeName: StepWrite, NodeRetries: 2, NodeTimeout: 120 * time.Second},
		chat:       chat,
	}
}

func (n *writeNode) Validate(state *State) error {
	if state.OrganizedInfo == "" {
		return task.NewError(task.KindValidation, "organized info missing; organize must run first")
	}
	return nil
}

func (n *writeNode) Execute(ctx context.Context, state *State) (*State, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: writerSystemPrompt(state.Constraints)},
		{Role: model.RoleUser, Content: fmt.Sprintf("Topic: %s\n\nRequirements: %s\n\nBrief:\n%s",
			state.Topic, state.Requirements, state.OrganizedInfo)},
	}

	if state.RewriteText && state.PreviousContent != "" && state.TextReport != nil {
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: state.PreviousContent},
			model.Message{Role: model.RoleUser, Content: "Revise the article above. Address every point:\n- " +
				strings.Join(state.TextReport.Suggestions, "\n- ")},
		)
	}

	out, err := n.chat.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &State{ArticleContent: out.Text, TokensUsed: out.TokensUsed}, nil
}

func writerSystemPrompt(c quality.HardConstraints) string {
	var b strings.Builder
	b.WriteString("You are a professional writer. Produce a complete markdown article with a single top-level heading and a concluding section.")
	if c.MinWords > 0 || c.MaxWords > 0 {
		fmt.Fprintf(&b, " Target length: %s.", lengthTarget(c.MinWords, c.MaxWords))
	}
	if len(c.Keywords) > 0 {
		fmt.Fprintf(&b, " Include these exact terms: %s.", strings.Join(c.Keywords, ", "))
	}
	if len(c.ForbiddenWords) > 0 {
		fmt.Fprintf(&b, " Never use: %s.", strings.Join(c.ForbiddenWords, ", "))
	}
	return b.String()
}

func lengthTarget(min, max int) string {
	switch {
	case min > 0 && max > 0:
		return fmt.Sprintf("%d-%d words", min, max)
	case min > 0:
		return fmt.Sprintf("at least %d words", min)
	default:
		return fmt.Sprintf("at most %d words", max)
	}
}

// checkTextNode runs the text quality gate and decides the route. The
// decision is a pure function of the gate verdict and the consumed budget:
// a failed artifact with budget remaining raises RewriteText and charges the
// counter; otherwise the graph proceeds with the artifact as-is.
type checkTextNode struct {
	graph.NodeConfig
	gate quality.TextGate
}

func newCheckTextNode(gate quality.TextGate) *checkTextNode {
	return &checkTextNode{
		NodeConfig: graph.NodeConfig{NodeName: StepCheckText, NodeRetries: 1, NodeTimeout: 60 * time.Second},
		gate:       gate,
	}
}

func (n *checkTextNode) Validate(state *State) error {
	if state.ArticleContent == "" {
		return task.NewError(task.KindValidation, "article content missing; write must run first")
	}
	return nil
}

func (n *checkTextNode) Execute(ctx context.Context, state *State) (*State, error) {
	decision, err := n.gate.Check(ctx, state.ArticleContent, state.Requirements, state.Constraints)
	if err != nil {
		return nil, err
	}

	patch := &State{TextReport: &decision, TokensUsed: decision.TokensUsed}
	if !decision.Passed && state.TextRetryCount < state.MaxTextRetries {
		patch.RewriteText = true
		patch.TextRetryCount = state.TextRetryCount + 1
		patch.PreviousContent = state.ArticleContent
	}
	return patch, nil
}

// generateImageNode produces the article's illustrations. A zero image count
// skips generation; the image gate passes an empty set.
type generateImageNode struct {
	graph.NodeConfig
	images services.ImageService
}

func newGenerateImageNode(images services.ImageService) *generateImageNode {
	return &generateImageNode{
		NodeConfig: graph.NodeConfig{NodeName: StepGenerateImage, NodeRetries: 2, NodeTimeout: 180 * time.Second},
		images:     images,
	}
}

func (n *generateImageNode) Validate(state *State) error {
	if state.ImageCount < 0 {
		return task.NewError(task.KindValidation, "imageCount cannot be negative")
	}
	return nil
}

func (n *generateImageNode) Execute(ctx context.Context, state *State) (*State, error) {
	if state.ImageCount == 0 {
		return &State{Images: []services.GeneratedImage{}}, nil
	}

	excerpt := state.ArticleContent
	if len(excerpt) > articleExcerptLen {
		excerpt = excerpt[:articleExcerptLen]
	}
	prompt := fmt.Sprintf("Editorial illustration for an article about %q. Context: %s", state.Topic, excerpt)

	imgs, err := n.images.Generate(ctx, services.ImageRequest{
		Prompt: prompt,
		Count:  state.ImageCount,
		Size:   state.ImageSize,
	})
	if err != nil {
		return nil, err
	}
	return &State{Images: imgs}, nil
}

// checkImageNode runs the image quality gate with the same budgeted routing
// as checkText, against the image retry class.
type checkImageNode struct {
	graph.NodeConfig
	gate quality.ImageGate
}

func newCheckImageNode(gate quality.ImageGate) *checkImageNode {
	return &checkImageNode{
		NodeConfig: graph.NodeConfig{NodeName: StepCheckImage, NodeRetries: 1, NodeTimeout: 120 * time.Second},
		gate:       gate,
	}
}

func (n *checkImageNode) Validate(*State) error { return nil }

func (n *checkImageNode) Execute(ctx context.Context, state *State) (*State, error) {
	decision, err := n.gate.CheckImages(ctx, state.Images, state.Requirements)
	if err != nil {
		return nil, err
	}

	patch := &State{ImageReport: &decision, TokensUsed: decision.TokensUsed}
	if !decision.Passed && state.ImageRetryCount < state.MaxImageRetries {
		patch.RegenerateImages = true
		patch.ImageRetryCount = state.ImageRetryCount + 1
	}
	return patch, nil
}

// postProcessNode assembles the deliverable: the article followed by its
// illustrations as markdown image references. Pure transform, no retries.
type postProcessNode struct {
	graph.NodeConfig
}

func newPostProcessNode() *postProcessNode {
	return &postProcessNode{NodeConfig: graph.NodeConfig{NodeName: StepPostProcess}}
}

func (n *postProcessNode) Validate(state *State) error {
	if state.ArticleContent == "" {
		return task.NewError(task.KindValidation, "article content missing; nothing to assemble")
	}
	return nil
}

func (n *postProcessNode) Execute(_ context.Context, state *State) (*State, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(state.ArticleContent))
	for i, img := range state.Images {
		fmt.Fprintf(&b, "\n\n![%s — illustration %d](%s)", state.Topic, i+1, img.URL)
	}
	return &State{FinalContent: b.String()}, nil
}
