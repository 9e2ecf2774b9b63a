// Package workflow carries the shared wiring for the built-in workflow
// packages: the dependency bundle their graphs are built from and the
// checkpoint adapter between the engine and the checkpoint manager.
package workflow

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/model"
)

// Deps bundles the external collaborators a workflow graph binds to. The
// registry owns one Deps per process; workflows hold it by value.
type Deps struct {
	Chat        model.ChatModel
	Search      services.SearchService
	Images      services.ImageService
	TextGate    quality.TextGate
	ImageGate   quality.ImageGate
	Checkpoints *checkpoint.Manager
	Emitter     emit.Emitter
	Logger      *slog.Logger

	// EngineOptions is passed through to every graph built from this
	// bundle. Zero values select the engine defaults.
	EngineOptions graph.Options
}

// LoggerOrDefault returns the configured logger, falling back to the
// process default.
func (d Deps) LoggerOrDefault() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// CheckpointFunc adapts the checkpoint manager to the engine's persistence
// hook. A nil manager disables checkpointing (tests).
func CheckpointFunc[S graph.Stateful](m *checkpoint.Manager) graph.CheckpointFunc[S] {
	if m == nil {
		return nil
	}
	return func(ctx context.Context, stepName string, state S) error {
		_, err := m.Save(ctx, state.Base().TaskID, stepName, state)
		return err
	}
}
