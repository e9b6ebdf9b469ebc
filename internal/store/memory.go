package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// MemoryRepository is an in-process Repository with the same all-or-nothing
// batch semantics as PostgresRepository, used by tests.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
	now  func() time.Time

	// FailNext, when set, is returned by the next call and then cleared.
	FailNext error
}

type memoryRow struct {
	tx            domain.Transaction
	providerRef   *string
	reservedAt    *time.Time
	updatedAt     time.Time
	failureReason string
	lastError     string
}

// NewMemoryRepository creates a repository seeded with the given transactions.
func NewMemoryRepository(txs ...domain.Transaction) *MemoryRepository {
	r := &MemoryRepository{rows: make(map[string]*memoryRow), now: time.Now}
	for _, tx := range txs {
		r.Put(tx)
	}
	return r
}

// Put inserts or replaces a transaction.
func (r *MemoryRepository) Put(tx domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.PayoutStatus == "" {
		tx.PayoutStatus = domain.PayoutStatusPending
	}
	r.rows[tx.ID] = &memoryRow{tx: tx, updatedAt: r.now()}
}

// Get returns a copy of a stored transaction.
func (r *MemoryRepository) Get(id string) (domain.Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return domain.Transaction{}, false
	}
	return row.tx, true
}

// LastError returns the last transient error recorded against a transaction.
func (r *MemoryRepository) LastError(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		return row.lastError
	}
	return ""
}

// Age moves a row's last payout update back by d, for requeue and reconcile tests.
func (r *MemoryRepository) Age(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.updatedAt = row.updatedAt.Add(-d)
		if row.reservedAt != nil {
			t := row.reservedAt.Add(-d)
			row.reservedAt = &t
		}
	}
}

func (r *MemoryRepository) takeFailure() error {
	err := r.FailNext
	r.FailNext = nil
	return err
}

func (r *MemoryRepository) SelectEligible(_ context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}

	var out []domain.Transaction
	for _, row := range r.rows {
		tx := row.tx
		if tx.ChargeStatus == domain.ChargeStatusSuccess && tx.PayoutStatus == domain.PayoutStatusPending && !tx.CreatedAt.After(cutoff) {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ReserveBatch(_ context.Context, res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	if len(res.TransactionIDs) == 0 {
		return fmt.Errorf("reserve batch: no transactions")
	}

	for _, id := range res.TransactionIDs {
		row, ok := r.rows[id]
		if !ok {
			return fmt.Errorf("%w: transaction %s missing", ErrConflict, id)
		}
		if !row.tx.PayoutStatus.CanTransitionTo(domain.PayoutStatusProcessing) || row.tx.PayoutID != nil {
			return fmt.Errorf("%w: transaction %s is %s", ErrConflict, id, row.tx.PayoutStatus)
		}
	}

	reservedAt := res.ReservedAt
	for _, id := range res.TransactionIDs {
		row := r.rows[id]
		payoutID, key, provider := res.PayoutID, res.IdempotencyKey, res.Provider
		row.tx.PayoutStatus = domain.PayoutStatusProcessing
		row.tx.PayoutID = &payoutID
		row.tx.IdempotencyKey = &key
		row.tx.Provider = &provider
		row.reservedAt = &reservedAt
		row.updatedAt = reservedAt
		row.providerRef = nil
		row.failureReason = ""
		row.lastError = ""
	}
	return nil
}

func (r *MemoryRepository) FinalizeBatch(_ context.Context, f Finalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}

	if f.Status == domain.PayoutStatusPending || !domain.PayoutStatusProcessing.CanTransitionTo(f.Status) {
		return fmt.Errorf("finalize batch: unsupported status %q", f.Status)
	}
	members := r.processingMembers(f.PayoutID)
	if len(members) == 0 {
		return fmt.Errorf("%w: payout %s", ErrNotFound, f.PayoutID)
	}
	if len(members) != len(f.TransactionIDs) {
		return fmt.Errorf("%w: payout %s has %d processing rows, expected %d", ErrConflict, f.PayoutID, len(members), len(f.TransactionIDs))
	}
	for _, id := range f.TransactionIDs {
		if _, ok := members[id]; !ok {
			return fmt.Errorf("%w: transaction %s not processing under payout %s", ErrConflict, id, f.PayoutID)
		}
	}

	switch f.Status {
	case domain.PayoutStatusPaid:
		if len(f.Shares) != len(f.TransactionIDs) {
			return fmt.Errorf("finalize batch: %d shares for %d members", len(f.Shares), len(f.TransactionIDs))
		}
		for _, share := range f.Shares {
			if _, ok := members[share.TransactionID]; !ok {
				return fmt.Errorf("%w: share for non-member %s", ErrConflict, share.TransactionID)
			}
		}
		for _, share := range f.Shares {
			row := members[share.TransactionID]
			settledAt := f.SettledAt
			row.tx.PayoutStatus = domain.PayoutStatusPaid
			row.tx.FeeAmount = decimal.NewNullDecimal(share.Fee)
			row.tx.NetAmount = decimal.NewNullDecimal(share.Net)
			row.tx.SettledAt = &settledAt
			row.providerRef = f.ProviderRef
			row.updatedAt = settledAt
			row.lastError = ""
		}
	case domain.PayoutStatusFailed:
		for _, row := range members {
			row.tx.PayoutStatus = domain.PayoutStatusFailed
			row.failureReason = f.FailureReason
			row.providerRef = f.ProviderRef
			row.updatedAt = f.SettledAt
		}
	default:
		return fmt.Errorf("finalize batch: unsupported status %q", f.Status)
	}
	return nil
}

func (r *MemoryRepository) processingMembers(payoutID string) map[string]*memoryRow {
	members := make(map[string]*memoryRow)
	for id, row := range r.rows {
		if row.tx.PayoutStatus == domain.PayoutStatusProcessing && row.tx.PayoutID != nil && *row.tx.PayoutID == payoutID {
			members[id] = row
		}
	}
	return members
}

func (r *MemoryRepository) MarkBatchUnsettled(_ context.Context, payoutID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}

	members := r.processingMembers(payoutID)
	if len(members) == 0 {
		return fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
	}
	now := r.now()
	for _, row := range members {
		row.lastError = reason
		row.updatedAt = now
	}
	return nil
}

func (r *MemoryRepository) ListStuckPayouts(_ context.Context, olderThan time.Time, limit int) ([]domain.StuckPayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var payouts []domain.StuckPayout
	for _, row := range r.rows {
		if row.tx.PayoutStatus != domain.PayoutStatusProcessing || row.tx.PayoutID == nil || row.reservedAt == nil {
			continue
		}
		payoutID := *row.tx.PayoutID
		pos, ok := index[payoutID]
		if !ok {
			pos = len(payouts)
			index[payoutID] = pos
			payouts = append(payouts, domain.StuckPayout{
				PayoutID:       payoutID,
				IdempotencyKey: deref(row.tx.IdempotencyKey),
				Provider:       deref(row.tx.Provider),
				ReservedAt:     *row.reservedAt,
			})
		}
		payouts[pos].Members = append(payouts[pos].Members, row.tx)
		if row.reservedAt.Before(payouts[pos].ReservedAt) {
			payouts[pos].ReservedAt = *row.reservedAt
		}
	}

	stuck := payouts[:0]
	for _, p := range payouts {
		if !p.ReservedAt.After(olderThan) {
			sortTransactions(p.Members)
			stuck = append(stuck, p)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		if !stuck[i].ReservedAt.Equal(stuck[j].ReservedAt) {
			return stuck[i].ReservedAt.Before(stuck[j].ReservedAt)
		}
		return stuck[i].PayoutID < stuck[j].PayoutID
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (r *MemoryRepository) ReleaseBatch(_ context.Context, payoutID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return 0, err
	}

	members := r.processingMembers(payoutID)
	if len(members) == 0 {
		return 0, fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
	}
	now := r.now()
	for _, row := range members {
		row.tx.PayoutStatus = domain.PayoutStatusPending
		row.tx.PayoutID = nil
		row.tx.IdempotencyKey = nil
		row.tx.Provider = nil
		row.reservedAt = nil
		row.lastError = ""
		row.updatedAt = now
	}
	return len(members), nil
}

func (r *MemoryRepository) RequeueFailed(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return 0, err
	}

	now := r.now()
	n := 0
	for _, row := range r.rows {
		if row.tx.PayoutStatus != domain.PayoutStatusFailed || row.updatedAt.After(olderThan) {
			continue
		}
		row.tx.PayoutStatus = domain.PayoutStatusPending
		row.tx.PayoutID = nil
		row.tx.IdempotencyKey = nil
		row.tx.Provider = nil
		row.providerRef = nil
		row.reservedAt = nil
		row.updatedAt = now
		n++
	}
	return n, nil
}

func sortTransactions(txs []domain.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
