/**
 * @description
 * Reconciliation of payouts left in processing. A transient provider failure leaves
 * members processing with their idempotency key recorded; this job asks the provider
 * what happened to that key and only then settles, fails or releases the members.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/store"
)

const (
	DefaultReconcileAfter     = 30 * time.Minute
	DefaultReconcileLimit     = 200
	DefaultRequeueFailedAfter = 24 * time.Hour
)

// ReconcilerConfig tunes the reconciliation and requeue jobs.
type ReconcilerConfig struct {
	StuckAfter    time.Duration
	Limit         int
	LookupTimeout time.Duration
	NotifyTimeout time.Duration
}

// Reconciler resolves stuck payouts against provider state.
type Reconciler struct {
	repo     store.Repository
	router   *Router
	policy   FeePolicy
	recorder *Recorder
	notifier Notifier
	logger   *slog.Logger
	metrics  Metrics
	cfg      ReconcilerConfig
	now      func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(repo store.Repository, router *Router, policy FeePolicy, notifier Notifier, logger *slog.Logger, metrics Metrics, cfg ReconcilerConfig) *Reconciler {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultReconcileAfter
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultReconcileLimit
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 30 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Reconciler{
		repo:     repo,
		router:   router,
		policy:   policy,
		recorder: NewRecorder(repo, policy),
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Reconcile checks every payout processing for longer than StuckAfter.
func (r *Reconciler) Reconcile(ctx context.Context) (*domain.ReconcileReport, error) {
	cutoff := r.now().Add(-r.cfg.StuckAfter)
	stuck, err := r.repo.ListStuckPayouts(ctx, cutoff, r.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list stuck payouts: %v", ErrStoreUnavailable, err)
	}

	report := &domain.ReconcileReport{}
	for _, payout := range stuck {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		r.reconcileOne(ctx, payout, report)
	}

	r.metrics.Reconciled(*report)
	r.logger.Info("reconciliation finished",
		"checked", report.Checked,
		"settled", report.Settled,
		"failed", report.Failed,
		"released", report.Released,
		"still_pending", report.StillPending,
		"errors", report.Errors,
	)
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, payout domain.StuckPayout, report *domain.ReconcileReport) {
	logger := r.logger.With("payout_id", payout.PayoutID, "provider", payout.Provider)

	adapter, ok := r.router.AdapterByName(payout.Provider)
	if !ok {
		logger.Error("no adapter registered for stuck payout provider")
		report.Errors++
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	status, err := adapter.Lookup(lookupCtx, payout.IdempotencyKey)
	cancel()
	if err != nil {
		logger.Warn("provider lookup failed; payout left processing", "error", err)
		report.Errors++
		return
	}

	switch status.State {
	case domain.TransferCompleted, domain.TransferFailed:
		group, eval, outcome, err := r.finalize(ctx, payout, status)
		if err != nil {
			logger.Error("failed to finalize reconciled payout", "state", status.State, "error", err)
			report.Errors++
			return
		}
		logger.Info("reconciled payout", "state", status.State, "provider_ref", status.ProviderRef)
		if status.State == domain.TransferCompleted {
			report.Settled++
			notifySettled(ctx, r.notifier, r.cfg.NotifyTimeout, logger, group, eval, outcome)
		} else {
			report.Failed++
		}
	case domain.TransferNotFound:
		// Adapters only report not found from a direct lookup by key, so the provider
		// never saw it and a fresh attempt cannot double-transfer.
		n, err := r.repo.ReleaseBatch(ctx, payout.PayoutID)
		if err != nil {
			logger.Error("failed to release payout", "error", err)
			report.Errors++
			return
		}
		report.Released++
		logger.Info("released payout unknown to provider", "members", n)
	default:
		report.StillPending++
		logger.Info("payout still pending at provider", "detail", status.Detail)
	}
}

func (r *Reconciler) finalize(ctx context.Context, payout domain.StuckPayout, status TransferStatus) (domain.PayoutGroup, Evaluation, domain.SettlementOutcome, error) {
	groups := GroupTransactions(payout.Members)
	if len(groups) != 1 {
		return domain.PayoutGroup{}, Evaluation{}, domain.SettlementOutcome{}, fmt.Errorf("payout %s spans %d beneficiary/currency groups", payout.PayoutID, len(groups))
	}
	group := groups[0]
	eval := r.policy.Evaluate(group)

	outcome := domain.SettlementOutcome{
		PayoutID:       payout.PayoutID,
		IdempotencyKey: payout.IdempotencyKey,
		Provider:       payout.Provider,
		Fee:            eval.Fee,
		Net:            eval.Net,
		FinalAmount:    eval.Net,
		FinalCurrency:  group.Currency,
		State:          domain.OutcomeSuccess,
	}
	if status.FinalCurrency != "" && status.FinalAmount.IsPositive() {
		outcome.FinalAmount = status.FinalAmount
		outcome.FinalCurrency = status.FinalCurrency
	}
	if status.ProviderRef != "" {
		ref := status.ProviderRef
		outcome.ProviderRef = &ref
	}
	if status.State == domain.TransferFailed {
		outcome.State = domain.OutcomeFailed
		outcome.FailureReason = "provider reported failure: " + status.Detail
	}
	return group, eval, outcome, r.recorder.Finalize(ctx, group, eval, outcome)
}

// RequeueFailed returns transactions failed for longer than olderThan to pending so
// the next run picks them up again.
func (r *Reconciler) RequeueFailed(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRequeueFailedAfter
	}
	n, err := r.repo.RequeueFailed(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("%w: requeue failed payouts: %v", ErrStoreUnavailable, err)
	}
	if n > 0 {
		r.logger.Info("requeued failed transactions", "count", n)
	}
	return n, nil
}
