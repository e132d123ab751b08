// Package scheduler runs the periodic maintenance jobs of the bot runtime.
//
// Jobs are registered with cron expressions; both the standard 5-field form
// and descriptors such as "@every 1m" are accepted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReconcileSpec is how often worker liveness is checked.
const DefaultReconcileSpec = "@every 1m"

// DefaultPruneSpec runs log retention once an hour.
const DefaultPruneSpec = "@hourly"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates and starts a cron scheduler. Jobs receive ctx and are
// not started once it is done.
func NewScheduler(ctx context.Context) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Start()
	return &Scheduler{cron: c, ctx: ctx}
}

// AddJob schedules task under the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		task(s.ctx)
		slog.Debug("Scheduler.AddJob: job finished", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "spec", expr)
	return nil
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reconciler is satisfied by the supervisor.
type Reconciler interface {
	Reconcile(ctx context.Context)
}

// LogPruner is satisfied by every store backend.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// MaintenanceConfig selects the maintenance schedules.
type MaintenanceConfig struct {
	ReconcileSpec string
	PruneSpec     string
	// Retention is how long bot log lines are kept; zero keeps them forever.
	Retention time.Duration
}

// RegisterMaintenance schedules the liveness sweep and, when a retention is
// set, the log pruning job.
func RegisterMaintenance(s *Scheduler, r Reconciler, p LogPruner, cfg MaintenanceConfig) error {
	if cfg.ReconcileSpec == "" {
		cfg.ReconcileSpec = DefaultReconcileSpec
	}
	if err := s.AddJob("reconcile", cfg.ReconcileSpec, r.Reconcile); err != nil {
		return err
	}
	if cfg.Retention <= 0 {
		slog.Info("RegisterMaintenance: log retention disabled")
		return nil
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	return s.AddJob("prune-logs", cfg.PruneSpec, PruneJob(p, cfg.Retention))
}

// PruneJob returns a task deleting log lines older than retention.
func PruneJob(p LogPruner, retention time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		n, err := p.PruneLogs(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Error("PruneJob: pruning bot logs failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("PruneJob: pruned bot logs", "removed", n, "retention", retention)
		}
	}
}
