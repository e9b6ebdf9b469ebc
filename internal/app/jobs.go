/**
 * @description
 * Scheduled job implementations for the payout service. Each job takes the
 * single-flight lock for its name before doing any work, so overlapping cron
 * ticks, replicas and manual triggers never run the same job concurrently.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
)

const (
	JobSettlement    = "settlement"
	JobReconcile     = "reconcile"
	JobRequeueFailed = "requeue_failed"
)

// SettlementRunner runs one settlement pass.
type SettlementRunner interface {
	Run(ctx context.Context) (*domain.RunReport, error)
}

// PayoutReconciler resolves stuck and failed payouts.
type PayoutReconciler interface {
	Reconcile(ctx context.Context) (*domain.ReconcileReport, error)
	RequeueFailed(ctx context.Context, olderThan time.Duration) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	engine             SettlementRunner
	reconciler         PayoutReconciler
	guard              RunGuard
	logger             *slog.Logger
	requeueFailedAfter time.Duration

	mu         sync.RWMutex
	lastReport *domain.RunReport
}

// NewJobs creates a new Jobs runner.
func NewJobs(engine SettlementRunner, reconciler PayoutReconciler, guard RunGuard, logger *slog.Logger, requeueFailedAfter time.Duration) *Jobs {
	if guard == nil {
		guard = NewLocalRunGuard()
	}
	return &Jobs{
		engine:             engine,
		reconciler:         reconciler,
		guard:              guard,
		logger:             logger,
		requeueFailedAfter: requeueFailedAfter,
	}
}

// RunSettlement runs one guarded settlement pass and remembers its report.
func (j *Jobs) RunSettlement(ctx context.Context) (*domain.RunReport, error) {
	release, err := j.guard.Acquire(ctx, JobSettlement)
	if err != nil {
		return nil, err
	}
	defer release()

	report, err := j.engine.Run(ctx)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	j.lastReport = report
	j.mu.Unlock()
	return report, nil
}

// LatestReport returns the report of the most recent completed run, if any.
func (j *Jobs) LatestReport() (*domain.RunReport, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.lastReport == nil {
		return nil, false
	}
	report := *j.lastReport
	return &report, true
}

// Reconcile runs one guarded reconciliation pass.
func (j *Jobs) Reconcile(ctx context.Context) (*domain.ReconcileReport, error) {
	release, err := j.guard.Acquire(ctx, JobReconcile)
	if err != nil {
		return nil, err
	}
	defer release()
	return j.reconciler.Reconcile(ctx)
}

// RequeueFailed runs one guarded failed -> pending pass.
func (j *Jobs) RequeueFailed(ctx context.Context) (int, error) {
	release, err := j.guard.Acquire(ctx, JobRequeueFailed)
	if err != nil {
		return 0, err
	}
	defer release()
	return j.reconciler.RequeueFailed(ctx, j.requeueFailedAfter)
}

// ProcessPayouts is the cron entry for the settlement run.
func (j *Jobs) ProcessPayouts(ctx context.Context) {
	j.logger.Info("starting payout settlement job")

	report, err := j.RunSettlement(ctx)
	if errors.Is(err, ErrRunInProgress) {
		j.logger.Warn("payout settlement job skipped; previous run still in progress")
		return
	}
	if err != nil {
		j.logger.Error("payout settlement job failed", "error", err)
		return
	}

	j.logger.Info("payout settlement job finished", "run_id", report.RunID, "processed", report.ProcessedGroups, "succeeded", report.Succeeded)
}

// ReconcilePayouts is the cron entry for reconciliation.
func (j *Jobs) ReconcilePayouts(ctx context.Context) {
	j.logger.Info("starting payout reconciliation job")

	report, err := j.Reconcile(ctx)
	if errors.Is(err, ErrRunInProgress) {
		j.logger.Warn("payout reconciliation job skipped; previous run still in progress")
		return
	}
	if err != nil {
		j.logger.Error("payout reconciliation job failed", "error", err)
		return
	}

	j.logger.Info("payout reconciliation job finished", "checked", report.Checked)
}

// RequeueFailedPayouts is the cron entry for the failed requeue job.
func (j *Jobs) RequeueFailedPayouts(ctx context.Context) {
	j.logger.Info("starting failed payout requeue job")

	n, err := j.RequeueFailed(ctx)
	if errors.Is(err, ErrRunInProgress) {
		j.logger.Warn("failed payout requeue job skipped; previous run still in progress")
		return
	}
	if err != nil {
		j.logger.Error("failed payout requeue job failed", "error", err)
		return
	}

	j.logger.Info("failed payout requeue job finished", "requeued", n)
}
