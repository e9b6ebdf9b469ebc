/**
 * @description
 * This file defines the `Repository` interface, the contract between the settlement
 * engine and the ledger store. Transactions are owned by the store; the engine only
 * reads them and moves their payout fields forward through conditional updates.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
)

var (
	// ErrConflict means at least one member row was not in the expected payout state.
	// Nothing was written.
	ErrConflict = errors.New("payout rows changed concurrently")
	// ErrNotFound means no row matched the given payout id.
	ErrNotFound = errors.New("payout not found")
)

// Reservation claims a group's members for one payout before any provider call.
type Reservation struct {
	PayoutID       string
	IdempotencyKey string
	Provider       string
	TransactionIDs []string
	ReservedAt     time.Time
}

// Finalization records a provider outcome against a reserved payout.
type Finalization struct {
	PayoutID       string
	TransactionIDs []string
	Status         domain.PayoutStatus
	Shares         []domain.MemberSettlement
	ProviderRef    *string
	FailureReason  string
	SettledAt      time.Time
}

// Repository defines the ledger operations used by the settlement engine.
//
// ReserveBatch and FinalizeBatch are all-or-nothing over the member set: if any
// member is not in the expected state the store applies nothing and returns ErrConflict.
type Repository interface {
	SelectEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
	ReserveBatch(ctx context.Context, r Reservation) error
	FinalizeBatch(ctx context.Context, f Finalization) error
	MarkBatchUnsettled(ctx context.Context, payoutID string, reason string) error
	ListStuckPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.StuckPayout, error)
	ReleaseBatch(ctx context.Context, payoutID string) (int, error)
	RequeueFailed(ctx context.Context, olderThan time.Time) (int, error)
}
