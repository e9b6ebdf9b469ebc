package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "expected %s, got %s %v", want, got.String(), msgAndArgs)
}

// tx builds a successful, pending transaction created age before testNow.
func tx(id, beneficiary, currency, amount string, age time.Duration) domain.Transaction {
	return domain.Transaction{
		ID:               id,
		BeneficiaryID:    beneficiary,
		Amount:           dec(amount),
		Currency:         currency,
		ChargeStatus:     domain.ChargeStatusSuccess,
		PayoutStatus:     domain.PayoutStatusPending,
		CreatedAt:        testNow.Add(-age),
		BeneficiaryEmail: beneficiary + "@example.com",
	}
}

type stubAdapter struct {
	name string

	mu        sync.Mutex
	calls     []TransferRequest
	transfer  func(ctx context.Context, req TransferRequest, call int) (TransferResult, error)
	lookup    TransferStatus
	lookupErr error
	lookups   []string
}

func newStubAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name}
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	call := len(a.calls)
	fn := a.transfer
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, call)
	}
	return TransferResult{
		ProviderRef:   "ref-" + req.PayoutID,
		SourceNet:     RoundMinor(req.Net, req.Currency),
		FinalAmount:   req.Net,
		FinalCurrency: req.Currency,
		Rate:          decimal.NewFromInt(1),
	}, nil
}

func (a *stubAdapter) Lookup(_ context.Context, key string) (TransferStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups = append(a.lookups, key)
	return a.lookup, a.lookupErr
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *stubAdapter) requests() []TransferRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TransferRequest, len(a.calls))
	copy(out, a.calls)
	return out
}

type notifierStub struct {
	mu        sync.Mutex
	contacts  []string
	summaries []domain.PayoutSummary
	err       error
	panicMsg  string
}

func (n *notifierStub) Notify(_ context.Context, contact string, summary domain.PayoutSummary) error {
	if n.panicMsg != "" {
		panic(n.panicMsg)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contacts = append(n.contacts, contact)
	n.summaries = append(n.summaries, summary)
	return n.err
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, CallTimeout: time.Second}
}

// newTestRouter sends every currency to the same adapter.
func newTestRouter(adapter Adapter) *Router {
	return NewRouter(DefaultRoutingTable(), map[Rail]Adapter{
		RailDomestic:    adapter,
		RailCrossBorder: adapter,
	}, testRetryPolicy(), testLogger(), nil)
}

func newTestEngine(repo store.Repository, adapter Adapter, notifier Notifier, workers int) *Engine {
	policy := DefaultFeePolicy()
	engine := NewEngine(
		NewSelector(repo, DefaultAgeThreshold, DefaultBatchLimit),
		policy,
		newTestRouter(adapter),
		NewRecorder(repo, policy),
		notifier,
		testLogger(),
		nil,
		EngineConfig{Workers: workers, NotifyTimeout: time.Second},
	)
	engine.now = func() time.Time { return testNow }
	return engine
}
