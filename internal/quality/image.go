package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/model"
)

// DefaultImageParallelism bounds concurrent per-image evaluations.
const DefaultImageParallelism = 4

// ImageGate decides whether a set of generated images is acceptable.
type ImageGate interface {
	CheckImages(ctx context.Context, images []services.GeneratedImage, requirements string) (Decision, error)
}

// ImageEvaluator scores each image concurrently (bounded) and averages the
// per-image scores. The image phase is non-critical: an individual
// evaluation failure degrades to the neutral score rather than failing the
// set, and an empty image list passes with an empty report.
type ImageEvaluator struct {
	model       model.ChatModel
	threshold   float64
	parallelism int64
	logger      *slog.Logger
}

// NewImageEvaluator creates an image quality gate.
func NewImageEvaluator(m model.ChatModel, threshold float64, logger *slog.Logger) *ImageEvaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageEvaluator{
		model:       m,
		threshold:   threshold,
		parallelism: DefaultImageParallelism,
		logger:      logger,
	}
}

// CheckImages implements ImageGate.
func (e *ImageEvaluator) CheckImages(ctx context.Context, images []services.GeneratedImage, requirements string) (Decision, error) {
	if len(images) == 0 {
		return Decision{
			Passed:  true,
			Score:   0,
			HardOK:  true,
			Details: map[string]any{"imageCount": 0},
		}, nil
	}

	sem := semaphore.NewWeighted(e.parallelism)
	scores := make([]float64, len(images))
	tokens := make([]int, len(images))
	var modelName string
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, img := range images {
		if err := sem.Acquire(ctx, 1); err != nil {
			return Decision{}, err
		}
		wg.Add(1)
		go func(i int, img services.GeneratedImage) {
			defer wg.Done()
			defer sem.Release(1)

			out, err := e.evaluateOne(ctx, img, requirements)
			if err != nil {
				e.logger.Warn("image evaluation degraded to neutral score",
					"index", i, "url", img.URL, "error", err)
				scores[i] = NeutralScore
				return
			}
			scores[i] = out.Score
			tokens[i] = out.TokensUsed
			mu.Lock()
			if modelName == "" {
				modelName = out.ModelName
			}
			mu.Unlock()
		}(i, img)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	var sum float64
	var totalTokens int
	for i := range scores {
		sum += scores[i]
		totalTokens += tokens[i]
	}
	avg := sum / float64(len(scores))

	return Decision{
		Passed:     avg >= e.threshold,
		Score:      avg,
		HardOK:     true,
		ModelName:  modelName,
		TokensUsed: totalTokens,
		Details: map[string]any{
			"imageCount": len(images),
			"scores":     scores,
			"threshold":  e.threshold,
		},
	}, nil
}

// evaluateOne scores a single image by its prompt fidelity: the evaluator
// model judges the generation prompt and declared size against the
// requirements.
func (e *ImageEvaluator) evaluateOne(ctx context.Context, img services.GeneratedImage, requirements string) (SoftResult, error) {
	prompt := fmt.Sprintf(
		"Requirements:\n%s\n\nImage prompt used for generation: %s\nDeclared size: %s",
		requirements, img.Prompt, img.Size)

	out, err := e.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: defaultRubric},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil {
		return SoftResult{}, err
	}

	result, ok := parseScores(out.Text)
	if !ok {
		result = SoftResult{Score: NeutralScore, Degraded: true}
	}
	result.ModelName = out.ModelName
	result.TokensUsed = out.TokensUsed
	return result, nil
}
