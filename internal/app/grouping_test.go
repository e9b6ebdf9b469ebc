package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beatnyk77/vibepe/internal/domain"
)

func TestGroupTransactions_PartitionsByBeneficiaryAndCurrency(t *testing.T) {
	txs := []domain.Transaction{
		tx("t3", "u1", "INR", "300", 70*time.Hour),
		tx("t1", "u1", "USD", "49", 90*time.Hour),
		tx("t4", "u2", "USD", "10", 60*time.Hour),
		tx("t2", "u1", "USD", "100", 80*time.Hour),
	}

	groups := GroupTransactions(txs)
	require.Len(t, groups, 3)

	require.Equal(t, "u1/USD", groups[0].Key())
	require.Equal(t, []string{"t1", "t2"}, groups[0].MemberIDs())
	requireDecimal(t, "149", groups[0].Gross)

	require.Equal(t, "u1/INR", groups[1].Key())
	require.Equal(t, "u2/USD", groups[2].Key())
}

func TestGroupTransactions_IsDeterministic(t *testing.T) {
	base := testNow.Add(-72 * time.Hour)
	a := tx("b", "u1", "USD", "1", 0)
	a.CreatedAt = base
	b := tx("a", "u1", "USD", "2", 0)
	b.CreatedAt = base
	c := tx("c", "u2", "EUR", "3", 0)
	c.CreatedAt = base.Add(time.Second)

	first := GroupTransactions([]domain.Transaction{a, b, c})
	second := GroupTransactions([]domain.Transaction{c, b, a})

	require.Len(t, second, len(first))
	for i := range first {
		require.Equal(t, first[i].Key(), second[i].Key())
		require.Equal(t, first[i].MemberIDs(), second[i].MemberIDs())
		require.True(t, first[i].Gross.Equal(second[i].Gross))
	}
	require.Equal(t, []string{"a", "b"}, first[0].MemberIDs(), "ties on created_at break by id")
}

func TestGroupTransactions_DoesNotMutateInput(t *testing.T) {
	txs := []domain.Transaction{
		tx("t2", "u1", "USD", "1", 10*time.Hour),
		tx("t1", "u1", "USD", "1", 20*time.Hour),
	}
	GroupTransactions(txs)
	require.Equal(t, "t2", txs[0].ID)
}

func TestGroupTransactions_Empty(t *testing.T) {
	require.Empty(t, GroupTransactions(nil))
}
