package app

import (
	"context"
	"fmt"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/store"
)

const (
	DefaultAgeThreshold = 48 * time.Hour
	DefaultBatchLimit   = 500
)

// Selector finds settlement-eligible transactions.
type Selector struct {
	repo         store.Repository
	ageThreshold time.Duration
	limit        int
}

// NewSelector creates a selector. Non-positive values fall back to the T+2 / 500 defaults.
func NewSelector(repo store.Repository, ageThreshold time.Duration, limit int) *Selector {
	if ageThreshold <= 0 {
		ageThreshold = DefaultAgeThreshold
	}
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Selector{repo: repo, ageThreshold: ageThreshold, limit: limit}
}

// Select returns successful, pending transactions created at or before now minus the
// age threshold, oldest first and at most the batch limit.
func (s *Selector) Select(ctx context.Context, now time.Time) ([]domain.Transaction, error) {
	cutoff := now.Add(-s.ageThreshold)
	txs, err := s.repo.SelectEligible(ctx, cutoff, s.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select eligible: %v", ErrStoreUnavailable, err)
	}
	if len(txs) > s.limit {
		txs = txs[:s.limit]
	}
	return txs, nil
}
