/**
 * @description
 * Fee and risk evaluation for payout groups. All arithmetic is exact decimal;
 * rounding to currency minor units happens only when values are persisted.
 */
package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// Apportionment decides how a group's fee and net are split across its members.
type Apportionment string

const (
	// ApportionEven divides the group fee and net equally across members.
	ApportionEven Apportionment = "even"
	// ApportionProRata splits by each member's share of the gross amount.
	ApportionProRata Apportionment = "pro_rata"
)

// ParseApportionment maps a configuration value to an Apportionment.
func ParseApportionment(raw string) (Apportionment, error) {
	switch Apportionment(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ApportionEven:
		return ApportionEven, nil
	case ApportionProRata, "prorata", "pro-rata":
		return ApportionProRata, nil
	default:
		return "", fmt.Errorf("unknown fee apportionment %q", raw)
	}
}

var (
	DefaultFeeRate = decimal.RequireFromString("0.029")
	DefaultBetaCap = decimal.RequireFromString("500")
)

const DefaultHomeRiskCurrency = "USD"

// FeePolicy holds the platform fee rate and the early-access risk cap.
type FeePolicy struct {
	FeeRate          decimal.Decimal
	HomeRiskCurrency string
	BetaCap          decimal.Decimal
	Apportionment    Apportionment
}

// DefaultFeePolicy returns the 2.9% flat fee with a USD 500 beta cap.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		FeeRate:          DefaultFeeRate,
		HomeRiskCurrency: DefaultHomeRiskCurrency,
		BetaCap:          DefaultBetaCap,
		Apportionment:    ApportionEven,
	}
}

// Evaluation is the unrounded fee/net computation for a group.
type Evaluation struct {
	Gross  decimal.Decimal
	Fee    decimal.Decimal
	Net    decimal.Decimal
	Capped bool
}

// Evaluate computes gross, fee and net for a group and applies the risk cap.
func (p FeePolicy) Evaluate(group domain.PayoutGroup) Evaluation {
	gross := group.Gross
	fee := gross.Mul(p.FeeRate)
	eval := Evaluation{
		Gross: gross,
		Fee:   fee,
		Net:   gross.Sub(fee),
	}
	if p.HomeRiskCurrency != "" && strings.EqualFold(group.Currency, p.HomeRiskCurrency) && gross.GreaterThan(p.BetaCap) {
		eval.Capped = true
	}
	return eval
}

// Apportion splits an evaluation across the group's members, rounded to minor units.
func (p FeePolicy) Apportion(group domain.PayoutGroup, eval Evaluation) []domain.MemberSettlement {
	n := len(group.Members)
	if n == 0 {
		return nil
	}

	shares := make([]domain.MemberSettlement, 0, n)
	if p.Apportionment == ApportionProRata && eval.Gross.IsPositive() {
		totalFee := RoundMinor(eval.Fee, group.Currency)
		allocated := decimal.Zero
		for i, m := range group.Members {
			var fee decimal.Decimal
			if i == n-1 {
				fee = totalFee.Sub(allocated)
			} else {
				fee = RoundMinor(eval.Fee.Mul(m.Amount).Div(eval.Gross), group.Currency)
				allocated = allocated.Add(fee)
			}
			shares = append(shares, domain.MemberSettlement{
				TransactionID: m.ID,
				Fee:           fee,
				Net:           RoundMinor(m.Amount.Sub(fee), group.Currency),
			})
		}
		return shares
	}

	count := decimal.NewFromInt(int64(n))
	fee := RoundMinor(eval.Fee.Div(count), group.Currency)
	net := RoundMinor(eval.Net.Div(count), group.Currency)
	for _, m := range group.Members {
		shares = append(shares, domain.MemberSettlement{TransactionID: m.ID, Fee: fee, Net: net})
	}
	return shares
}

var minorUnits = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "UGX": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3, "TND": 3, "IQD": 3, "LYD": 3,
}

// MinorUnits returns the number of decimal places used by a currency.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return places
	}
	return 2
}

// RoundMinor rounds half away from zero to the currency's minor-unit precision.
func RoundMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}
