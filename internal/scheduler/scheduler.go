// Package scheduler runs the periodic maintenance jobs: expiring stale
// opportunities, rebuilding daily rollups and reconciling stored balances.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/config"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// jobTimeout bounds a single run of any job
const jobTimeout = 2 * time.Minute

// Maintainer owns opportunity expiry and daily rollups
type Maintainer interface {
	ExpireStale(ctx context.Context) (int64, error)
	RebuildDailyMetrics(ctx context.Context, lookback time.Duration) (int64, error)
}

// Reconciler corrects drifted portfolio balances
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New creates a Runner whose jobs derive their context from baseCtx. Specs
// carry a leading seconds field. Overlapping runs of the same job are skipped.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add schedules fn under name. Failures are logged and counted, never fatal.
func (r *Runner) Add(schedule, name string, fn func(context.Context) error) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(schedule, func() { r.run(name, fn) })
	if err != nil {
		return 0, fmt.Errorf("failed to schedule %s (%q): %w", name, schedule, err)
	}
	return id, nil
}

func (r *Runner) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.baseCtx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	telemetry.JobRun(name, err)
	if err != nil {
		r.logger.Error("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// Register schedules the maintenance jobs named in cfg
func (r *Runner) Register(cfg config.SchedulerConfig, m Maintainer, rc Reconciler) error {
	jobs := []struct {
		name     string
		schedule string
		fn       func(context.Context) error
	}{
		{"expire_opportunities", cfg.ExpireSpec, func(ctx context.Context) error {
			_, err := m.ExpireStale(ctx)
			return err
		}},
		{"rebuild_daily_metrics", cfg.RebuildSpec, func(ctx context.Context) error {
			_, err := m.RebuildDailyMetrics(ctx, cfg.RebuildLookback)
			return err
		}},
		{"reconcile_portfolios", cfg.ReconcileSpec, func(ctx context.Context) error {
			n, err := rc.ReconcileAll(ctx)
			if n > 0 {
				r.logger.Warn("reconciled portfolio balances", zap.Int("count", n))
			}
			return err
		}},
	}

	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := r.Add(j.schedule, j.name, j.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) Start() {
	r.logger.Info("scheduler started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to finish
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("scheduler stopped")
}
