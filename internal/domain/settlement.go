package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeState is the result of routing one payout group.
type OutcomeState string

const (
	OutcomeSuccess OutcomeState = "success"
	OutcomeFailed  OutcomeState = "failed"
	OutcomeCapped  OutcomeState = "capped"
)

// SettlementOutcome is produced by the router for one group and consumed by the recorder.
type SettlementOutcome struct {
	PayoutID       string          `json:"payout_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Provider       string          `json:"provider"`
	Fee            decimal.Decimal `json:"fee"`
	Net            decimal.Decimal `json:"net"`
	ProviderRef    *string         `json:"provider_ref,omitempty"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	FinalCurrency  string          `json:"final_currency"`
	State          OutcomeState    `json:"state"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// MemberSettlement is the persisted share of a group's fee and net for one transaction.
type MemberSettlement struct {
	TransactionID string          `json:"transaction_id"`
	Fee           decimal.Decimal `json:"fee"`
	Net           decimal.Decimal `json:"net"`
}

// PayoutSummary is what the beneficiary is told about a settled payout.
type PayoutSummary struct {
	PayoutID      string          `json:"payout_id"`
	BeneficiaryID string          `json:"beneficiary_id"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Currency      string          `json:"currency"`
	MemberCount   int             `json:"member_count"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	FinalCurrency string          `json:"final_currency"`
}

// StuckPayout is a payout left in processing, reassembled for reconciliation.
type StuckPayout struct {
	PayoutID       string        `json:"payout_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Provider       string        `json:"provider"`
	Members        []Transaction `json:"members"`
	ReservedAt     time.Time     `json:"reserved_at"`
}
