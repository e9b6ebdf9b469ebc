/**
 * @description
 * Settlement Recorder. Writes payout state back to the ledger in two steps: a
 * reservation that durably stores the payout id and idempotency key before any
 * provider call, and a finalization that applies the outcome to every member at once.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/store"
)

// Recorder persists settlement outcomes.
type Recorder struct {
	repo   store.Repository
	policy FeePolicy
	now    func() time.Time
}

// NewRecorder creates a recorder that apportions fees with the given policy.
func NewRecorder(repo store.Repository, policy FeePolicy) *Recorder {
	return &Recorder{repo: repo, policy: policy, now: time.Now}
}

// Reserve moves every member from pending to processing and stores the payout id,
// idempotency key and provider. It returns ErrRecordConflict without writing
// anything if any member changed since selection.
func (r *Recorder) Reserve(ctx context.Context, group domain.PayoutGroup, payoutID, idempotencyKey, provider string) error {
	err := r.repo.ReserveBatch(ctx, store.Reservation{
		PayoutID:       payoutID,
		IdempotencyKey: idempotencyKey,
		Provider:       provider,
		TransactionIDs: group.MemberIDs(),
		ReservedAt:     r.now().UTC(),
	})
	return classifyStoreError("reserve batch", err)
}

// Finalize applies a success or permanent failure to every member of a reserved group.
// Paid members receive their apportioned fee and net, rounded to minor units here.
func (r *Recorder) Finalize(ctx context.Context, group domain.PayoutGroup, eval Evaluation, outcome domain.SettlementOutcome) error {
	f := store.Finalization{
		PayoutID:       outcome.PayoutID,
		TransactionIDs: group.MemberIDs(),
		ProviderRef:    outcome.ProviderRef,
		SettledAt:      r.now().UTC(),
	}

	switch outcome.State {
	case domain.OutcomeSuccess:
		f.Status = domain.PayoutStatusPaid
		f.Shares = r.policy.Apportion(group, eval)
	case domain.OutcomeFailed:
		f.Status = domain.PayoutStatusFailed
		f.FailureReason = outcome.FailureReason
	default:
		return fmt.Errorf("cannot finalize outcome state %q", outcome.State)
	}

	return classifyStoreError("finalize batch", r.repo.FinalizeBatch(ctx, f))
}

// MarkUnsettled records a transient failure. Members stay processing for reconciliation.
func (r *Recorder) MarkUnsettled(ctx context.Context, payoutID, reason string) error {
	return classifyStoreError("mark batch unsettled", r.repo.MarkBatchUnsettled(ctx, payoutID, reason))
}

func classifyStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s: %v", ErrRecordConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}
