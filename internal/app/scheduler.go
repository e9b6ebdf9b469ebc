/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/beatnyk77/vibepe/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs run with ctx, so
// cancelling it stops new groups from starting in a run that is in flight.
func (s *Scheduler) Start(ctx context.Context) {
	s.schedule("payout settlement", s.config.PayoutJobSchedule, func() { s.jobs.ProcessPayouts(ctx) })
	s.schedule("payout reconciliation", s.config.ReconcileJobSchedule, func() { s.jobs.ReconcilePayouts(ctx) })
	s.schedule("failed payout requeue", s.config.RequeueFailedJobSchedule, func() { s.jobs.RequeueFailedPayouts(ctx) })

	s.cron.Start()
}

func (s *Scheduler) schedule(name, spec string, fn func()) {
	if spec == "" {
		s.logger.Info("job disabled; no schedule configured", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
