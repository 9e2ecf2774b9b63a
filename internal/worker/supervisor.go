package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
)

const (
	// DefaultLeaseTTL is how long a running task may go without an update
	// before its worker is presumed dead.
	DefaultLeaseTTL = 5 * time.Minute

	// DefaultSupervisorInterval paces the stale-lease scan.
	DefaultSupervisorInterval = time.Minute
)

// Supervisor reclaims leases from crashed workers: running tasks whose
// updatedAt is older than the lease TTL go back to pending, and the next
// dispatcher tick re-queues them. The version fence on releaseWorker makes
// the reclaim safe against a worker that is merely slow: any progress it
// makes bumps the version and the release misses.
type Supervisor struct {
	tasks    store.TaskRepository
	leaseTTL time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSupervisor wires a lease supervisor. Non-positive durations select the
// defaults.
func NewSupervisor(tasks store.TaskRepository, leaseTTL, interval time.Duration, logger *slog.Logger) *Supervisor {
	if leaseTTL == 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if interval <= 0 {
		interval = DefaultSupervisorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{tasks: tasks, leaseTTL: leaseTTL, interval: interval, logger: logger}
}

// Run scans until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one stale-lease scan. Exposed for tests and for a
// run-once maintenance command.
func (s *Supervisor) Sweep(ctx context.Context) {
	stale, err := s.tasks.GetStaleRunning(ctx, int(s.leaseTTL.Seconds()))
	if err != nil {
		s.logger.Warn("stale lease scan failed", "error", err)
		return
	}

	for _, t := range stale {
		released, err := s.tasks.ReleaseWorker(ctx, t.ID, t.WorkerID, t.Version)
		if err != nil {
			// The worker resurfaced or another supervisor won; either way
			// the task is in good hands.
			s.logger.Debug("lease reclaim skipped",
				"taskId", t.ID, "workerId", t.WorkerID, "error", err)
			continue
		}
		metrics.LeaseReclaims.Inc()
		s.logger.Info("stale lease reclaimed",
			"taskId", t.ID, "staleWorkerId", t.WorkerID,
			"newStatus", released.Status, "lastUpdate", t.UpdatedAt)
	}
}
