package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker node (requires the Redis queue)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := rt.cfg.Worker
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return worker.NewSupervisor(rt.store.Tasks(),
					w.LeaseTTL, w.SupervisorInterval, rt.logger).Run(ctx)
			})
			g.Go(func() error {
				pool := worker.NewPool(rt.store.Tasks(), rt.queue, rt.runner,
					w.Concurrency, w.TaskTimeout, rt.logger)
				rt.logger.Info("worker running", "workerId", pool.WorkerID(),
					"concurrency", w.Concurrency)
				return pool.Run(ctx)
			})
			return g.Wait()
		},
	}
}
