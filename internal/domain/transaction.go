/**
 * @description
 * Domain models for the payout settlement engine. Transactions are owned by the
 * ledger store; the engine only reads them and moves their payout fields forward.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Charge statuses. Only successful charges are ever paid out.
const (
	ChargeStatusSuccess = "success"
)

// PayoutStatus is the settlement state of a single transaction.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusPaid       PayoutStatus = "paid"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// CanTransitionTo reports whether moving from s to next is a legal forward step.
// failed -> pending is the requeue edge that makes a transaction eligible again.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	switch s {
	case PayoutStatusPending:
		return next == PayoutStatusProcessing
	case PayoutStatusProcessing:
		return next == PayoutStatusPaid || next == PayoutStatusFailed || next == PayoutStatusPending
	case PayoutStatusFailed:
		return next == PayoutStatusPending
	default:
		return false
	}
}

// Transaction is one completed charge as seen by the settlement engine.
type Transaction struct {
	ID             string              `json:"id"`
	BeneficiaryID  string              `json:"beneficiary_id"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	ChargeStatus   string              `json:"status"`
	PayoutStatus   PayoutStatus        `json:"payout_status"`
	PayoutID       *string             `json:"payout_id,omitempty"`
	IdempotencyKey *string             `json:"payout_idempotency_key,omitempty"`
	Provider       *string             `json:"payout_provider,omitempty"`
	FeeAmount      decimal.NullDecimal `json:"fee_amount"`
	NetAmount      decimal.NullDecimal `json:"net_amount"`
	SettledAt      *time.Time          `json:"payout_date,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`

	// Beneficiary details joined from the users table at selection time.
	BeneficiaryEmail string `json:"beneficiary_email,omitempty"`
	BeneficiaryRef   string `json:"beneficiary_ref,omitempty"`
}

// PayoutGroup is the run-scoped aggregate of all eligible transactions that
// share a beneficiary and currency. It is never persisted.
type PayoutGroup struct {
	BeneficiaryID string          `json:"beneficiary_id"`
	Currency      string          `json:"currency"`
	Members       []Transaction   `json:"members"`
	Gross         decimal.Decimal `json:"gross"`
}

// Key returns the grouping key used in logs and reports.
func (g PayoutGroup) Key() string {
	return g.BeneficiaryID + "/" + g.Currency
}

// MemberIDs returns the ids of all member transactions in group order.
func (g PayoutGroup) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Contact returns the beneficiary email carried by the group's members, if any.
func (g PayoutGroup) Contact() string {
	for _, m := range g.Members {
		if m.BeneficiaryEmail != "" {
			return m.BeneficiaryEmail
		}
	}
	return ""
}

// BeneficiaryRef returns the provider-side beneficiary reference, falling back
// to the internal beneficiary id.
func (g PayoutGroup) BeneficiaryRef() string {
	for _, m := range g.Members {
		if m.BeneficiaryRef != "" {
			return m.BeneficiaryRef
		}
	}
	return g.BeneficiaryID
}
