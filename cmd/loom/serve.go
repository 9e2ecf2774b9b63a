package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/server"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/webhook"
	"github.com/loomworks/loom/internal/worker"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/internal/workflow/content"
	"github.com/loomworks/loom/internal/workflow/translate"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/model/anthropic"
	"github.com/loomworks/loom/model/openai"
)

const shutdownGrace = 15 * time.Second

// runtime is the wired process: every node type (API, worker) starts from
// the same bundle and runs a subset of it.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	queue    queue.Queue
	registry *registry.Registry
	runner   *executor.Runner
	sync     *executor.Sync
}

func buildRuntime(path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q, err := openQueue(cfg.Redis)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	chat, evaluator, err := buildModels(cfg.Models)
	if err != nil {
		st.Close()
		q.Close()
		return nil, err
	}

	deps := workflow.Deps{
		Chat:        chat,
		Search:      buildSearch(cfg.Services, logger),
		Images:      buildImages(cfg.Services, logger),
		TextGate:    quality.NewGate(quality.NewEvaluator(evaluator, "", logger), cfg.Quality.Threshold, logger),
		ImageGate:   quality.NewImageEvaluator(evaluator, cfg.Quality.Threshold, logger),
		Checkpoints: checkpoint.NewManager(st.Tasks(), logger),
		Emitter:     emit.Multi{emit.NewLogEmitter(logger), metrics.NewEmitter()},
		Logger:      logger,
	}

	reg := registry.New()
	reg.Register(content.New(deps))
	reg.Register(translate.New(deps))

	notifier := webhook.NewNotifier(logger,
		webhook.WithRetries(uint64(cfg.Webhook.MaxRetries)),
		webhook.WithBaseDelay(cfg.Webhook.BaseDelay))

	runner := executor.NewRunner(st, reg, notifier, logger)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		queue:    q,
		registry: reg,
		runner:   runner,
		sync:     executor.NewSync(st.Tasks(), runner, cfg.Server.SyncTimeout),
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.queue.Close(); err != nil {
		rt.logger.Warn("queue close failed", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", "error", err)
	}
}

func openStore(cfg config.Database) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.DSN)
	case "mysql":
		return store.OpenMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openQueue(cfg config.Redis) (queue.Queue, error) {
	if !cfg.Enabled {
		return queue.NewMemory(0), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return queue.NewRedis(client, cfg.Prefix), nil
}

// buildModels returns the generation model and the evaluator model; the
// evaluator falls back to the generation model when not configured
// separately.
func buildModels(cfg config.Models) (model.ChatModel, model.ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, nil, errors.New("models.api_key is required (or set LOOM_MODELS_API_KEY)")
	}

	build := func(name string) (model.ChatModel, error) {
		switch cfg.Provider {
		case "openai":
			return openai.New(cfg.APIKey, name), nil
		case "anthropic":
			return anthropic.New(cfg.APIKey, name), nil
		default:
			return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
		}
	}

	chat, err := build(cfg.Model)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EvaluatorModel == "" {
		return chat, chat, nil
	}
	evaluator, err := build(cfg.EvaluatorModel)
	if err != nil {
		return nil, nil, err
	}
	return chat, evaluator, nil
}

func buildSearch(cfg config.Services, logger *slog.Logger) services.SearchService {
	if cfg.SearchURL != "" {
		return services.NewHTTPSearchService(cfg.SearchURL, nil)
	}
	logger.Warn("services.search_url not configured, search returns no results")
	return &services.MockSearchService{}
}

func buildImages(cfg config.Services, logger *slog.Logger) services.ImageService {
	if cfg.ImageURL != "" {
		return services.NewHTTPImageService(cfg.ImageURL, nil)
	}
	logger.Warn("services.image_url not configured, images are placeholders")
	return &services.MockImageService{}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with in-process workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(rt.store, rt.registry, rt.sync, rt.queue,
				rt.cfg.Server.CORSOrigins, rt.logger)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(rt.cfg.Server.Addr()); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			w := rt.cfg.Worker
			g.Go(func() error {
				return worker.NewDispatcher(rt.store.Tasks(), rt.queue,
					w.DispatchInterval, w.DispatchBatch, rt.logger).Run(ctx)
			})
			g.Go(func() error {
				return worker.NewSupervisor(rt.store.Tasks(),
					w.LeaseTTL, w.SupervisorInterval, rt.logger).Run(ctx)
			})
			g.Go(func() error {
				return worker.NewPool(rt.store.Tasks(), rt.queue, rt.runner,
					w.Concurrency, w.TaskTimeout, rt.logger).Run(ctx)
			})

			rt.logger.Info("loom serving", "addr", rt.cfg.Server.Addr(),
				"driver", rt.cfg.Database.Driver, "redis", rt.cfg.Redis.Enabled)
			return g.Wait()
		},
	}
}
