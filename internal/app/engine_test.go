package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/store"
)

func TestEngineRun_SettlesGroupAsOnePayout(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("t1", "u1", "USD", "49", 72*time.Hour),
		tx("t2", "u1", "USD", "100", 60*time.Hour),
	)
	adapter := newStubAdapter(ProviderWise)
	notifier := &notifierStub{}
	engine := newTestEngine(repo, adapter, notifier, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Eligible)
	require.Equal(t, 1, report.ProcessedGroups)
	require.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Groups, 1)
	require.Equal(t, domain.GroupSucceeded, report.Groups[0].Status)
	require.Equal(t, "144.68", report.Groups[0].Net)

	require.Equal(t, 1, adapter.callCount())
	req := adapter.requests()[0]
	requireDecimal(t, "144.679", req.Net)
	require.Equal(t, "USD", req.Currency)
	require.Equal(t, IdempotencyKey(req.PayoutID), req.IdempotencyKey)
	require.Equal(t, report.Groups[0].PayoutID, req.PayoutID)

	for _, id := range []string{"t1", "t2"} {
		got, ok := repo.Get(id)
		require.True(t, ok)
		require.Equal(t, domain.PayoutStatusPaid, got.PayoutStatus, id)
		require.NotNil(t, got.PayoutID)
		require.Equal(t, req.PayoutID, *got.PayoutID)
		require.True(t, got.FeeAmount.Valid)
		require.True(t, got.NetAmount.Valid)
		requireDecimal(t, "2.16", got.FeeAmount.Decimal, id)
		requireDecimal(t, "72.34", got.NetAmount.Decimal, id)
		require.NotNil(t, got.SettledAt)
	}

	require.Len(t, notifier.summaries, 1)
	require.Equal(t, "u1@example.com", notifier.contacts[0])
	summary := notifier.summaries[0]
	requireDecimal(t, "149", summary.GrossAmount)
	requireDecimal(t, "4.32", summary.FeeAmount)
	requireDecimal(t, "144.68", summary.NetAmount)
	require.Equal(t, 2, summary.MemberCount)
}

func TestEngineRun_SkipsTransactionsYoungerThanThreshold(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("old", "u1", "INR", "1000", 49*time.Hour),
		tx("young", "u1", "INR", "500", 47*time.Hour),
	)
	adapter := newStubAdapter(ProviderCashfree)
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Eligible)

	young, _ := repo.Get("young")
	require.Equal(t, domain.PayoutStatusPending, young.PayoutStatus)
	requireDecimal(t, "971", adapter.requests()[0].Net)
}

func TestEngineRun_EmptyLedgerProducesEmptyReport(t *testing.T) {
	engine := newTestEngine(store.NewMemoryRepository(), newStubAdapter(ProviderWise), nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Eligible)
	require.Zero(t, report.ProcessedGroups)
	require.Empty(t, report.Groups)
}

func TestEngineRun_CappedGroupStaysPending(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("t1", "u1", "USD", "300", 72*time.Hour),
		tx("t2", "u1", "USD", "201", 72*time.Hour),
	)
	adapter := newStubAdapter(ProviderWise)
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Capped)
	require.Equal(t, domain.GroupCapped, report.Groups[0].Status)
	require.Zero(t, adapter.callCount())

	for _, id := range []string{"t1", "t2"} {
		got, _ := repo.Get(id)
		require.Equal(t, domain.PayoutStatusPending, got.PayoutStatus)
		require.Nil(t, got.PayoutID)
	}
}

func TestEngineRun_CapOnlyAppliesToHomeRiskCurrency(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "EUR", "900", 72*time.Hour))
	adapter := newStubAdapter(ProviderWise)
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, adapter.callCount())
}

func TestEngineRun_RejectionMarksMembersFailed(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("t1", "u1", "INR", "1000", 72*time.Hour),
		tx("t2", "u1", "INR", "250", 72*time.Hour),
	)
	adapter := newStubAdapter(ProviderCashfree)
	adapter.transfer = func(context.Context, TransferRequest, int) (TransferResult, error) {
		return TransferResult{}, fmt.Errorf("%w: invalid beneficiary", ErrProviderRejected)
	}
	notifier := &notifierStub{}
	engine := newTestEngine(repo, adapter, notifier, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, adapter.callCount(), "rejections must not be retried")
	require.Empty(t, notifier.summaries)

	for _, id := range []string{"t1", "t2"} {
		got, _ := repo.Get(id)
		require.Equal(t, domain.PayoutStatusFailed, got.PayoutStatus)
		require.False(t, got.FeeAmount.Valid)
		require.False(t, got.NetAmount.Valid)
	}
}

func TestEngineRun_UnavailableProviderLeavesGroupProcessing(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	adapter := newStubAdapter(ProviderCashfree)
	adapter.transfer = func(context.Context, TransferRequest, int) (TransferResult, error) {
		return TransferResult{}, fmt.Errorf("%w: 503 from provider", ErrProviderUnavailable)
	}
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Unsettled)
	require.Equal(t, 3, adapter.callCount())

	keys := map[string]bool{}
	for _, req := range adapter.requests() {
		keys[req.IdempotencyKey] = true
	}
	require.Len(t, keys, 1, "every retry must reuse the same idempotency key")

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusProcessing, got.PayoutStatus)
	require.NotNil(t, got.IdempotencyKey)
	require.Contains(t, repo.LastError("t1"), "503 from provider")
}

func TestEngineRun_UnclassifiedErrorLeavesGroupProcessing(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	adapter := newStubAdapter(ProviderCashfree)
	adapter.transfer = func(context.Context, TransferRequest, int) (TransferResult, error) {
		return TransferResult{}, errors.New("unexpected response shape")
	}
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Equal(t, 1, adapter.callCount())

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusProcessing, got.PayoutStatus)
}

func TestEngineRun_SelectionFailureAbortsRun(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	repo.FailNext = errors.New("connection refused")
	adapter := newStubAdapter(ProviderCashfree)
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Nil(t, report)
	require.Zero(t, adapter.callCount())
}

// staleRepository returns a selection snapshot that no longer matches the ledger.
type staleRepository struct {
	*store.MemoryRepository
	snapshot []domain.Transaction
}

func (r *staleRepository) SelectEligible(context.Context, time.Time, int) ([]domain.Transaction, error) {
	return r.snapshot, nil
}

func TestEngineRun_ConcurrentChangeIsConflict(t *testing.T) {
	t1 := tx("t1", "u1", "INR", "1000", 72*time.Hour)
	t2 := tx("t2", "u1", "INR", "500", 72*time.Hour)
	settled := t2
	settled.PayoutStatus = domain.PayoutStatusPaid

	repo := &staleRepository{
		MemoryRepository: store.NewMemoryRepository(t1, settled),
		snapshot:         []domain.Transaction{t1, t2},
	}
	adapter := newStubAdapter(ProviderCashfree)
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicts)
	require.Zero(t, adapter.callCount())

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusPending, got.PayoutStatus, "reservation must be all-or-nothing")
	require.Nil(t, got.PayoutID)
}

func TestEngineRun_CancelledRunMarksGroupsNotStarted(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("t1", "u1", "INR", "1000", 72*time.Hour),
		tx("t2", "u2", "INR", "1000", 72*time.Hour),
	)
	adapter := newStubAdapter(ProviderCashfree)
	engine := newTestEngine(repo, adapter, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.NotStarted)
	require.Zero(t, report.ProcessedGroups)
	require.Zero(t, adapter.callCount())

	for _, id := range []string{"t1", "t2"} {
		got, _ := repo.Get(id)
		require.Equal(t, domain.PayoutStatusPending, got.PayoutStatus)
	}
}

func TestEngineRun_CancellationDuringTransferStillRecordsOutcome(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var callErr error
	adapter := newStubAdapter(ProviderCashfree)
	adapter.transfer = func(callCtx context.Context, req TransferRequest, _ int) (TransferResult, error) {
		cancel()
		callErr = callCtx.Err()
		return TransferResult{ProviderRef: "cf-1", FinalAmount: req.Net, FinalCurrency: req.Currency}, nil
	}
	engine := newTestEngine(repo, adapter, nil, 1)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, callErr, "in-flight provider call must not see run cancellation")
	require.Equal(t, 1, report.Succeeded)

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusPaid, got.PayoutStatus)
}

func TestEngineRun_NotifierFailureDoesNotAffectOutcome(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	notifier := &notifierStub{err: errors.New("broker down")}
	engine := newTestEngine(repo, newStubAdapter(ProviderCashfree), notifier, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusPaid, got.PayoutStatus)
}

func TestEngineRun_NotifierPanicIsContained(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "INR", "1000", 72*time.Hour))
	notifier := &notifierStub{panicMsg: "template missing"}
	engine := newTestEngine(repo, newStubAdapter(ProviderCashfree), notifier, 1)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
}

func TestEngineRun_PanicInOneGroupDoesNotStopOthers(t *testing.T) {
	repo := store.NewMemoryRepository(
		tx("t1", "u1", "EUR", "100", 72*time.Hour),
		tx("t2", "u2", "GBP", "100", 72*time.Hour),
	)
	adapter := newStubAdapter(ProviderWise)
	adapter.transfer = func(_ context.Context, req TransferRequest, _ int) (TransferResult, error) {
		if req.Currency == "EUR" {
			panic("nil beneficiary mapping")
		}
		return TransferResult{ProviderRef: "w-1", FinalAmount: req.Net, FinalCurrency: req.Currency}, nil
	}
	engine := newTestEngine(repo, adapter, nil, 2)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.ProcessedGroups)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Errors)

	got, _ := repo.Get("t2")
	require.Equal(t, domain.PayoutStatusPaid, got.PayoutStatus)
}

func TestEngineRun_ConcurrentWorkersSettleEveryGroupOnce(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 20; i++ {
		txs = append(txs,
			tx(fmt.Sprintf("a%02d", i), fmt.Sprintf("u%02d", i), "INR", "100", 72*time.Hour),
			tx(fmt.Sprintf("b%02d", i), fmt.Sprintf("u%02d", i), "INR", "50", 71*time.Hour),
		)
	}
	repo := store.NewMemoryRepository(txs...)
	adapter := newStubAdapter(ProviderCashfree)
	engine := newTestEngine(repo, adapter, nil, 4)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, report.Succeeded)
	require.Equal(t, 20, adapter.callCount())

	payouts := map[string]bool{}
	for _, req := range adapter.requests() {
		require.False(t, payouts[req.PayoutID], "payout %s submitted twice", req.PayoutID)
		payouts[req.PayoutID] = true
	}

	second, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.Eligible, "paid transactions are never selected again")
}

func TestEngineRun_MissingAdapterIsGroupError(t *testing.T) {
	repo := store.NewMemoryRepository(tx("t1", "u1", "EUR", "100", 72*time.Hour))
	policy := DefaultFeePolicy()
	router := NewRouter(DefaultRoutingTable(), map[Rail]Adapter{RailDomestic: newStubAdapter(ProviderCashfree)}, testRetryPolicy(), testLogger(), nil)
	engine := NewEngine(NewSelector(repo, 0, 0), policy, router, NewRecorder(repo, policy), nil, testLogger(), nil, EngineConfig{})
	engine.now = func() time.Time { return testNow }

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Contains(t, report.Groups[0].Detail, ErrNoAdapter.Error())

	got, _ := repo.Get("t1")
	require.Equal(t, domain.PayoutStatusPending, got.PayoutStatus)
}

func TestIdempotencyKey_IsDeterministicPerPayout(t *testing.T) {
	a := IdempotencyKey("7b0c7f4e-3f0a-4a55-8d33-4f7d7a1b2c3d")
	b := IdempotencyKey("7b0c7f4e-3f0a-4a55-8d33-4f7d7a1b2c3d")
	c := IdempotencyKey("0d7f3b4e-0000-4a55-8d33-4f7d7a1b2c3d")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 36)
}
