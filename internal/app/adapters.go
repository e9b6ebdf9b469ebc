/**
 * @description
 * Provider adapters for the two settlement rails. Each adapter translates a
 * TransferRequest into one provider call keyed by the payout's idempotency key and
 * classifies failures as transient (ErrProviderUnavailable) or permanent
 * (ErrProviderRejected).
 *
 * @dependencies
 * - github.com/beatnyk77/vibepe/pkg/cashfree: domestic INR transfers.
 * - github.com/beatnyk77/vibepe/pkg/wise: cross-border rates and transfers.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/pkg/cashfree"
	"github.com/beatnyk77/vibepe/pkg/wise"
)

const (
	ProviderCashfree = "cashfree"
	ProviderWise     = "wise"
)

// DefaultConversionFeeRate is the cross-border provider's fee on the converted amount.
var DefaultConversionFeeRate = decimal.RequireFromString("0.004")

// CashfreeAPI is the subset of the Cashfree client used by the domestic rail.
type CashfreeAPI interface {
	RequestTransfer(ctx context.Context, req cashfree.TransferRequest) (*cashfree.TransferResponse, error)
	GetTransferStatus(ctx context.Context, transferID string) (*cashfree.TransferStatusResponse, error)
}

// WiseAPI is the subset of the Wise client used by the cross-border rail.
type WiseAPI interface {
	CreateTransfer(ctx context.Context, req wise.CreateTransferRequest) (*wise.Transfer, error)
	FindTransfer(ctx context.Context, customerTransactionID string) (*wise.Transfer, error)
}

// DomesticRailAdapter settles INR payouts through Cashfree.
type DomesticRailAdapter struct {
	client       CashfreeAPI
	transferMode string
}

// NewDomesticRailAdapter creates the domestic adapter. transferMode defaults to "banktransfer".
func NewDomesticRailAdapter(client CashfreeAPI, transferMode string) *DomesticRailAdapter {
	if transferMode == "" {
		transferMode = "banktransfer"
	}
	return &DomesticRailAdapter{client: client, transferMode: transferMode}
}

func (a *DomesticRailAdapter) Name() string { return ProviderCashfree }

// Transfer submits the net amount. A duplicate transfer id means an earlier attempt
// already reached Cashfree, so the existing transfer is looked up and returned.
func (a *DomesticRailAdapter) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	amount := RoundMinor(req.Net, req.Currency)
	if !amount.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: non-positive net amount %s", ErrProviderRejected, amount)
	}

	transferID := cashfreeTransferID(req.IdempotencyKey)
	resp, err := a.client.RequestTransfer(ctx, cashfree.TransferRequest{
		BeneID:       req.BeneficiaryRef,
		Amount:       amount,
		TransferID:   transferID,
		TransferMode: a.transferMode,
		Remarks:      req.Narration,
	})
	if err != nil {
		if cashfree.IsConflict(err) {
			return a.resolveDuplicate(ctx, req, amount)
		}
		return TransferResult{}, classifyCashfreeError(err)
	}

	return TransferResult{
		ProviderRef:   resp.Data.ReferenceID,
		SourceNet:     amount,
		FinalAmount:   amount,
		FinalCurrency: req.Currency,
		Rate:          decimal.NewFromInt(1),
		ConversionFee: decimal.Zero,
	}, nil
}

func (a *DomesticRailAdapter) resolveDuplicate(ctx context.Context, req TransferRequest, amount decimal.Decimal) (TransferResult, error) {
	status, err := a.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return TransferResult{}, err
	}
	switch status.State {
	case domain.TransferFailed:
		return TransferResult{}, fmt.Errorf("%w: existing transfer failed: %s", ErrProviderRejected, status.Detail)
	case domain.TransferNotFound:
		return TransferResult{}, fmt.Errorf("%w: duplicate transfer id reported but not found", ErrProviderUnavailable)
	}
	return TransferResult{
		ProviderRef:   status.ProviderRef,
		SourceNet:     amount,
		FinalAmount:   amount,
		FinalCurrency: req.Currency,
		Rate:          decimal.NewFromInt(1),
		ConversionFee: decimal.Zero,
	}, nil
}

// Lookup reports the Cashfree state of the transfer created for a key.
func (a *DomesticRailAdapter) Lookup(ctx context.Context, idempotencyKey string) (TransferStatus, error) {
	resp, err := a.client.GetTransferStatus(ctx, cashfreeTransferID(idempotencyKey))
	if err != nil {
		if cashfree.IsNotFound(err) {
			return TransferStatus{State: domain.TransferNotFound}, nil
		}
		return TransferStatus{}, classifyCashfreeError(err)
	}

	t := resp.Data.Transfer
	status := TransferStatus{ProviderRef: t.ReferenceID, Detail: t.Reason}
	switch strings.ToUpper(t.Status) {
	case "SUCCESS":
		status.State = domain.TransferCompleted
	case "FAILED", "REJECTED", "REVERSED":
		status.State = domain.TransferFailed
		if status.Detail == "" {
			status.Detail = t.Status
		}
	default:
		status.State = domain.TransferPending
	}
	return status, nil
}

// cashfreeTransferID strips separators because Cashfree only accepts alphanumerics
// and underscores in transfer ids.
func cashfreeTransferID(key string) string {
	return strings.ReplaceAll(key, "-", "")
}

func classifyCashfreeError(err error) error {
	// A refused token or credential says nothing about the transfer itself.
	if cashfree.IsUnauthorized(err) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	var apiErr *cashfree.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// Conversion is the cross-border envelope computed from a live rate.
type Conversion struct {
	Rate      decimal.Decimal
	Estimated decimal.Decimal
	Fee       decimal.Decimal
	Final     decimal.Decimal
}

// ConvertCrossBorder applies a rate and the provider's conversion fee to a net amount.
func ConvertCrossBorder(net, rate, feeRate decimal.Decimal) Conversion {
	estimated := net.Mul(rate)
	fee := estimated.Mul(feeRate)
	return Conversion{
		Rate:      rate,
		Estimated: estimated,
		Fee:       fee,
		Final:     estimated.Sub(fee),
	}
}

// CrossBorderRailAdapter settles non-INR payouts through Wise.
type CrossBorderRailAdapter struct {
	client         WiseAPI
	quotes         RateQuoteSource
	targetCurrency string
	feeRate        decimal.Decimal
}

// NewCrossBorderRailAdapter creates the cross-border adapter. feeRate is used as given;
// zero means the provider charges no conversion fee.
func NewCrossBorderRailAdapter(client WiseAPI, quotes RateQuoteSource, targetCurrency string, feeRate decimal.Decimal) *CrossBorderRailAdapter {
	if targetCurrency == "" {
		targetCurrency = "INR"
	}
	return &CrossBorderRailAdapter{
		client:         client,
		quotes:         quotes,
		targetCurrency: strings.ToUpper(targetCurrency),
		feeRate:        feeRate,
	}
}

func (a *CrossBorderRailAdapter) Name() string { return ProviderWise }

// Transfer fetches a rate at call time, computes the converted amount and submits
// the transfer with the idempotency key as customerTransactionId.
func (a *CrossBorderRailAdapter) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	sourceAmount := RoundMinor(req.Net, req.Currency)
	if !sourceAmount.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: non-positive net amount %s", ErrProviderRejected, sourceAmount)
	}

	rate := decimal.NewFromInt(1)
	if !strings.EqualFold(req.Currency, a.targetCurrency) {
		quoted, err := a.quotes.Quote(ctx, req.Currency, a.targetCurrency)
		if err != nil {
			return TransferResult{}, classifyWiseError(err)
		}
		rate = quoted
	}
	conv := ConvertCrossBorder(req.Net, rate, a.feeRate)

	createReq := wise.CreateTransferRequest{
		TargetAccount:         req.BeneficiaryRef,
		SourceCurrency:        strings.ToUpper(req.Currency),
		TargetCurrency:        a.targetCurrency,
		SourceAmount:          sourceAmount,
		CustomerTransactionID: req.IdempotencyKey,
	}
	createReq.Details.Reference = req.Narration

	transfer, err := a.client.CreateTransfer(ctx, createReq)
	if err != nil {
		return TransferResult{}, classifyWiseError(err)
	}
	switch transfer.Status {
	case wise.StatusCancelled, wise.StatusBouncedBack, wise.StatusFundsRefunded, wise.StatusChargedBack:
		return TransferResult{}, fmt.Errorf("%w: wise transfer %d is %s", ErrProviderRejected, transfer.ID, transfer.Status)
	}

	return TransferResult{
		ProviderRef:   strconv.FormatInt(transfer.ID, 10),
		SourceNet:     sourceAmount,
		FinalAmount:   conv.Final,
		FinalCurrency: a.targetCurrency,
		Rate:          conv.Rate,
		ConversionFee: conv.Fee,
	}, nil
}

// Lookup reports the Wise state of the transfer created for a key. It never reports
// TransferNotFound.
func (a *CrossBorderRailAdapter) Lookup(ctx context.Context, idempotencyKey string) (TransferStatus, error) {
	transfer, err := a.client.FindTransfer(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, wise.ErrTransferNotListed) {
			// Absence from the listing is not proof Wise never saw the key. Releasing
			// would mint a new key and could pay twice, so the payout stays processing.
			return TransferStatus{State: domain.TransferPending, Detail: "not listed by wise"}, nil
		}
		return TransferStatus{}, classifyWiseError(err)
	}

	status := TransferStatus{
		ProviderRef:   strconv.FormatInt(transfer.ID, 10),
		Detail:        transfer.Status,
		FinalAmount:   transfer.TargetValue,
		FinalCurrency: transfer.TargetCurrency,
	}
	switch transfer.Status {
	case wise.StatusOutgoingPaymentSent:
		status.State = domain.TransferCompleted
	case wise.StatusCancelled, wise.StatusBouncedBack, wise.StatusFundsRefunded, wise.StatusChargedBack:
		status.State = domain.TransferFailed
	default:
		status.State = domain.TransferPending
	}
	return status, nil
}

func classifyWiseError(err error) error {
	var apiErr *wise.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// classifyStatus treats 5xx and 429 as transient and every other status as a rejection.
func classifyStatus(status int, err error) error {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderRejected, err)
}
