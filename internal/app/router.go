/**
 * @description
 * Provider routing for payout groups. A static currency -> rail table picks the
 * settlement rail; the rail's adapter executes the transfer with bounded retries.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// Rail identifies a settlement rail.
type Rail string

const (
	RailDomestic    Rail = "domestic"
	RailCrossBorder Rail = "cross_border"
)

// TransferRequest is what an adapter needs to move a group's net amount.
type TransferRequest struct {
	PayoutID       string
	Net            decimal.Decimal
	Currency       string
	IdempotencyKey string
	BeneficiaryRef string
	Narration      string
}

// TransferResult is the provider's answer to a successful transfer request.
type TransferResult struct {
	ProviderRef   string
	SourceNet     decimal.Decimal
	FinalAmount   decimal.Decimal
	FinalCurrency string
	Rate          decimal.Decimal
	ConversionFee decimal.Decimal
}

// TransferStatus is the provider-side view of a transfer, looked up by idempotency key.
type TransferStatus struct {
	State       domain.TransferState
	ProviderRef string
	Detail      string
	// FinalAmount and FinalCurrency are set when the provider reports the delivered amount.
	FinalAmount   decimal.Decimal
	FinalCurrency string
}

// Adapter moves money over one provider. Transfer must be idempotent on the key.
type Adapter interface {
	Name() string
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Lookup(ctx context.Context, idempotencyKey string) (TransferStatus, error)
}

// RateQuoteSource returns a conversion rate fetched at call time.
type RateQuoteSource interface {
	Quote(ctx context.Context, fromCurrency, toCurrency string) (decimal.Decimal, error)
}

// RoutingTable maps currencies to rails. Currencies not listed use Default.
type RoutingTable struct {
	Default    Rail
	ByCurrency map[string]Rail
}

// DefaultRoutingTable sends INR over the domestic rail and everything else cross-border.
func DefaultRoutingTable() RoutingTable {
	return RoutingTable{
		Default:    RailCrossBorder,
		ByCurrency: map[string]Rail{"INR": RailDomestic},
	}
}

// RailFor returns the rail for a currency.
func (t RoutingTable) RailFor(currency string) Rail {
	if rail, ok := t.ByCurrency[strings.ToUpper(currency)]; ok {
		return rail
	}
	return t.Default
}

// RetryPolicy bounds provider calls. Only ErrProviderUnavailable is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with 500ms exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Backoff returns the delay before the given retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Router selects an adapter per group and executes transfers.
type Router struct {
	table    RoutingTable
	adapters map[Rail]Adapter
	retry    RetryPolicy
	logger   *slog.Logger
	metrics  Metrics
}

// NewRouter creates a router over the given adapters.
func NewRouter(table RoutingTable, adapters map[Rail]Adapter, retry RetryPolicy, logger *slog.Logger, metrics Metrics) *Router {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Router{table: table, adapters: adapters, retry: retry, logger: logger, metrics: metrics}
}

// Select returns the adapter for a currency.
func (r *Router) Select(currency string) (Adapter, error) {
	rail := r.table.RailFor(currency)
	adapter, ok := r.adapters[rail]
	if !ok || adapter == nil {
		return nil, fmt.Errorf("%w: rail=%s currency=%s", ErrNoAdapter, rail, currency)
	}
	return adapter, nil
}

// AdapterByName finds a registered adapter by its provider name.
func (r *Router) AdapterByName(name string) (Adapter, bool) {
	for _, adapter := range r.adapters {
		if adapter != nil && adapter.Name() == name {
			return adapter, true
		}
	}
	return nil, false
}

// Transfer invokes the adapter, retrying ErrProviderUnavailable with exponential
// backoff. Each call runs detached from ctx cancellation so an in-flight transfer is
// allowed to finish; once ctx is cancelled no further attempt is started.
func (r *Router) Transfer(ctx context.Context, adapter Adapter, req TransferRequest) (TransferResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		result, err := r.call(ctx, adapter, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrProviderUnavailable) || attempt == r.retry.MaxAttempts {
			break
		}

		delay := r.retry.Backoff(attempt)
		r.logger.Warn("provider call failed; retrying",
			"provider", adapter.Name(),
			"payout_id", req.PayoutID,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return TransferResult{}, fmt.Errorf("%w: retries stopped by cancellation: %v", ErrProviderUnavailable, lastErr)
		case <-time.After(delay):
		}
	}
	return TransferResult{}, lastErr
}

func (r *Router) call(ctx context.Context, adapter Adapter, req TransferRequest) (TransferResult, error) {
	callCtx := context.WithoutCancel(ctx)
	if r.retry.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.retry.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := adapter.Transfer(callCtx, req)
	r.metrics.ProviderCall(adapter.Name(), time.Since(start), providerCallOutcome(err))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return result, err
}

func providerCallOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrProviderRejected):
		return "rejected"
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
