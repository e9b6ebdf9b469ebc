package app

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

type groupKey struct {
	beneficiaryID string
	currency      string
}

// GroupTransactions partitions transactions into payout groups keyed by
// (beneficiary, currency). Input is ordered by (created_at, id) first, so the
// same set always yields the same groups in the same order.
func GroupTransactions(txs []domain.Transaction) []domain.PayoutGroup {
	sorted := make([]domain.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	index := make(map[groupKey]int)
	var groups []domain.PayoutGroup
	for _, tx := range sorted {
		key := groupKey{beneficiaryID: tx.BeneficiaryID, currency: tx.Currency}
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, domain.PayoutGroup{
				BeneficiaryID: tx.BeneficiaryID,
				Currency:      tx.Currency,
				Gross:         decimal.Zero,
			})
		}
		groups[pos].Members = append(groups[pos].Members, tx)
		groups[pos].Gross = groups[pos].Gross.Add(tx.Amount)
	}

	return groups
}
