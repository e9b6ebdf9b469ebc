package app

import "errors"

var (
	// ErrStoreUnavailable aborts a whole run: no partial eligibility is safe to act on.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrRecordConflict means a member row changed since selection; the group is skipped.
	ErrRecordConflict = errors.New("payout record conflict")
	// ErrProviderUnavailable is transient and may be retried within the run.
	ErrProviderUnavailable = errors.New("payout provider unavailable")
	// ErrProviderRejected is permanent for this attempt and is never retried.
	ErrProviderRejected = errors.New("payout provider rejected transfer")
	// ErrNoAdapter means the routing table points at a rail with no registered adapter.
	ErrNoAdapter = errors.New("no adapter registered for settlement rail")
)
