/**
 * @description
 * The settlement run. Selects eligible transactions once, groups them once, and
 * processes each group with bounded concurrency:
 * evaluate -> reserve -> transfer -> finalize -> notify.
 *
 * Only a selection failure aborts a run. Every group yields exactly one result;
 * failures, conflicts and panics are contained at the group boundary.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: bounded worker pool.
 * - github.com/google/uuid: payout ids and idempotency keys.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// payoutKeyNamespace scopes idempotency keys derived from payout ids.
var payoutKeyNamespace = uuid.MustParse("6f1c2a52-3a4e-4f0b-9a57-5c3d8e7b9a10")

// IdempotencyKey derives the provider idempotency key for a payout attempt.
func IdempotencyKey(payoutID string) string {
	return uuid.NewSHA1(payoutKeyNamespace, []byte(payoutID)).String()
}

// EngineConfig tunes a settlement run.
type EngineConfig struct {
	Workers       int
	NotifyTimeout time.Duration
	Narration     string
}

// Engine runs settlement over the ledger.
type Engine struct {
	selector *Selector
	policy   FeePolicy
	router   *Router
	recorder *Recorder
	notifier Notifier
	logger   *slog.Logger
	metrics  Metrics
	cfg      EngineConfig

	now         func() time.Time
	newPayoutID func() string
}

// NewEngine wires the run pipeline.
func NewEngine(selector *Selector, policy FeePolicy, router *Router, recorder *Recorder, notifier Notifier, logger *slog.Logger, metrics Metrics, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.Narration == "" {
		cfg.Narration = "Vibepe payout"
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Engine{
		selector:    selector,
		policy:      policy,
		router:      router,
		recorder:    recorder,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
		now:         time.Now,
		newPayoutID: uuid.NewString,
	}
}

// Run performs one settlement run. It returns an error only when eligibility
// selection fails; in that case no group is processed.
func (e *Engine) Run(ctx context.Context) (*domain.RunReport, error) {
	started := e.now().UTC()
	report := &domain.RunReport{RunID: uuid.NewString(), StartedAt: started}
	logger := e.logger.With("run_id", report.RunID)

	txs, err := e.selector.Select(ctx, started)
	if err != nil {
		logger.Error("eligibility selection failed; aborting run", "error", err)
		return nil, err
	}
	report.Eligible = len(txs)

	groups := GroupTransactions(txs)
	logger.Info("settlement run started", "eligible", len(txs), "groups", len(groups), "workers", e.cfg.Workers)

	results := make([]domain.GroupResult, len(groups))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, group := range groups {
		if ctx.Err() != nil {
			results[i] = notStarted(group)
			continue
		}
		i, group := i, group
		g.Go(func() error {
			results[i] = e.processGroup(ctx, logger, group)
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range results {
		report.Add(result)
	}
	report.FinishedAt = e.now().UTC()
	e.metrics.RunCompleted(*report, report.FinishedAt.Sub(started))

	logger.Info("settlement run finished",
		"processed", report.ProcessedGroups,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"capped", report.Capped,
		"conflicts", report.Conflicts,
		"unsettled", report.Unsettled,
		"errors", report.Errors,
		"not_started", report.NotStarted,
	)
	return report, nil
}

func notStarted(group domain.PayoutGroup) domain.GroupResult {
	return domain.GroupResult{
		GroupKey:      group.Key(),
		BeneficiaryID: group.BeneficiaryID,
		Currency:      group.Currency,
		MemberCount:   len(group.Members),
		Status:        domain.GroupNotStarted,
		Gross:         group.Gross.String(),
		Detail:        "run cancelled before group started",
	}
}

func (e *Engine) processGroup(ctx context.Context, logger *slog.Logger, group domain.PayoutGroup) (result domain.GroupResult) {
	if ctx.Err() != nil {
		return notStarted(group)
	}

	result = domain.GroupResult{
		GroupKey:      group.Key(),
		BeneficiaryID: group.BeneficiaryID,
		Currency:      group.Currency,
		MemberCount:   len(group.Members),
		Gross:         group.Gross.String(),
	}
	logger = logger.With("group_key", group.Key(), "members", len(group.Members))

	var eval Evaluation
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while processing payout group", "panic", rec)
			result.Status = domain.GroupError
			result.Detail = fmt.Sprintf("panic: %v", rec)
		}
		e.metrics.GroupFinished(result.Status, group.Currency, eval.Net)
	}()

	eval = e.policy.Evaluate(group)
	result.Net = RoundMinor(eval.Net, group.Currency).String()

	if eval.Capped {
		logger.Info("payout group held by beta cap", "gross", eval.Gross.String(), "cap", e.policy.BetaCap.String())
		result.Status = domain.GroupCapped
		result.Detail = fmt.Sprintf("gross %s exceeds %s cap %s", eval.Gross, e.policy.HomeRiskCurrency, e.policy.BetaCap)
		return result
	}

	adapter, err := e.router.Select(group.Currency)
	if err != nil {
		logger.Error("no adapter for payout group", "error", err)
		result.Status = domain.GroupError
		result.Detail = err.Error()
		return result
	}

	payoutID := e.newPayoutID()
	key := IdempotencyKey(payoutID)
	result.PayoutID = payoutID
	result.Provider = adapter.Name()
	logger = logger.With("payout_id", payoutID, "provider", adapter.Name())

	if err := e.recorder.Reserve(ctx, group, payoutID, key, adapter.Name()); err != nil {
		switch {
		case errors.Is(err, ErrRecordConflict):
			logger.Warn("payout group changed since selection; skipping", "error", err)
			result.Status = domain.GroupConflict
		case ctx.Err() != nil:
			return notStarted(group)
		default:
			logger.Error("failed to reserve payout group", "error", err)
			result.Status = domain.GroupError
		}
		result.PayoutID = ""
		result.Detail = err.Error()
		return result
	}

	// The reservation is durable; from here every write must land even if the run is cancelled.
	recordCtx := context.WithoutCancel(ctx)

	transfer, err := e.router.Transfer(ctx, adapter, TransferRequest{
		PayoutID:       payoutID,
		Net:            eval.Net,
		Currency:       group.Currency,
		IdempotencyKey: key,
		BeneficiaryRef: group.BeneficiaryRef(),
		Narration:      e.cfg.Narration,
	})
	if err != nil {
		return e.handleTransferError(recordCtx, logger, group, eval, payoutID, key, adapter.Name(), err, result)
	}

	outcome := domain.SettlementOutcome{
		PayoutID:       payoutID,
		IdempotencyKey: key,
		Provider:       adapter.Name(),
		Fee:            eval.Fee,
		Net:            eval.Net,
		ProviderRef:    &transfer.ProviderRef,
		FinalAmount:    transfer.FinalAmount,
		FinalCurrency:  transfer.FinalCurrency,
		State:          domain.OutcomeSuccess,
	}
	if err := e.recorder.Finalize(recordCtx, group, eval, outcome); err != nil {
		return e.finalizeFailed(logger, err, result)
	}

	logger.Info("payout group settled",
		"gross", eval.Gross.String(),
		"fee", RoundMinor(eval.Fee, group.Currency).String(),
		"net", RoundMinor(eval.Net, group.Currency).String(),
		"provider_ref", transfer.ProviderRef,
	)
	result.Status = domain.GroupSucceeded
	e.notify(recordCtx, logger, group, eval, outcome)
	return result
}

func (e *Engine) handleTransferError(ctx context.Context, logger *slog.Logger, group domain.PayoutGroup, eval Evaluation, payoutID, key, provider string, transferErr error, result domain.GroupResult) domain.GroupResult {
	result.Detail = transferErr.Error()

	if errors.Is(transferErr, ErrProviderRejected) {
		outcome := domain.SettlementOutcome{
			PayoutID:       payoutID,
			IdempotencyKey: key,
			Provider:       provider,
			Fee:            eval.Fee,
			Net:            eval.Net,
			State:          domain.OutcomeFailed,
			FailureReason:  transferErr.Error(),
		}
		if err := e.recorder.Finalize(ctx, group, eval, outcome); err != nil {
			return e.finalizeFailed(logger, err, result)
		}
		logger.Warn("provider rejected payout; members marked failed", "error", transferErr)
		result.Status = domain.GroupFailed
		return result
	}

	// Transient or unclassified: the provider may or may not have moved money, so the
	// members stay processing until reconciliation asks the provider.
	if err := e.recorder.MarkUnsettled(ctx, payoutID, transferErr.Error()); err != nil {
		logger.Error("failed to record unsettled payout", "error", err)
	}
	if errors.Is(transferErr, ErrProviderUnavailable) {
		logger.Warn("provider unavailable; payout left processing for reconciliation", "error", transferErr)
		result.Status = domain.GroupUnsettled
		return result
	}
	logger.Error("unclassified provider error; payout left processing for reconciliation", "error", transferErr)
	result.Status = domain.GroupError
	return result
}

func (e *Engine) finalizeFailed(logger *slog.Logger, err error, result domain.GroupResult) domain.GroupResult {
	result.Detail = err.Error()
	if errors.Is(err, ErrRecordConflict) {
		logger.Error("payout rows changed after reservation; left for reconciliation", "error", err)
		result.Status = domain.GroupConflict
		return result
	}
	logger.Error("failed to record payout outcome; left for reconciliation", "error", err)
	result.Status = domain.GroupError
	return result
}

func (e *Engine) notify(ctx context.Context, logger *slog.Logger, group domain.PayoutGroup, eval Evaluation, outcome domain.SettlementOutcome) {
	notifySettled(ctx, e.notifier, e.cfg.NotifyTimeout, logger, group, eval, outcome)
}
