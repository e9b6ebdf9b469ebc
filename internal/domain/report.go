package domain

import "time"

// GroupStatus is the per-group result recorded in a run report.
type GroupStatus string

const (
	GroupSucceeded  GroupStatus = "succeeded"
	GroupFailed     GroupStatus = "failed"
	GroupCapped     GroupStatus = "capped"
	GroupConflict   GroupStatus = "conflict"
	GroupUnsettled  GroupStatus = "unsettled"
	GroupError      GroupStatus = "error"
	GroupNotStarted GroupStatus = "not_started"
)

// GroupResult captures what happened to one payout group during a run.
type GroupResult struct {
	GroupKey      string      `json:"group_key"`
	BeneficiaryID string      `json:"beneficiary_id"`
	Currency      string      `json:"currency"`
	MemberCount   int         `json:"member_count"`
	Status        GroupStatus `json:"status"`
	PayoutID      string      `json:"payout_id,omitempty"`
	Provider      string      `json:"provider,omitempty"`
	Gross         string      `json:"gross"`
	Net           string      `json:"net,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}

// RunReport summarises one settlement run.
type RunReport struct {
	RunID           string        `json:"run_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Eligible        int           `json:"eligible_transactions"`
	ProcessedGroups int           `json:"processed_groups"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Capped          int           `json:"capped"`
	Conflicts       int           `json:"conflicts"`
	Unsettled       int           `json:"unsettled"`
	Errors          int           `json:"errors"`
	NotStarted      int           `json:"not_started"`
	Groups          []GroupResult `json:"groups"`
}

// Add folds a group result into the report counters.
func (r *RunReport) Add(result GroupResult) {
	r.Groups = append(r.Groups, result)
	if result.Status == GroupNotStarted {
		r.NotStarted++
		return
	}
	r.ProcessedGroups++
	switch result.Status {
	case GroupSucceeded:
		r.Succeeded++
	case GroupFailed:
		r.Failed++
	case GroupCapped:
		r.Capped++
	case GroupConflict:
		r.Conflicts++
	case GroupUnsettled:
		r.Unsettled++
	case GroupError:
		r.Errors++
	}
}

// ReconcileReport summarises one reconciliation pass over stuck payouts.
type ReconcileReport struct {
	Checked      int `json:"checked"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	Released     int `json:"released"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

// TransferState is the provider-side state of a transfer looked up by idempotency key.
type TransferState string

const (
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
	TransferPending   TransferState = "pending"
	TransferNotFound  TransferState = "not_found"
)
