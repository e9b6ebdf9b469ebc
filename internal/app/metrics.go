package app

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// Metrics receives settlement telemetry. Implementations must be safe for concurrent use.
type Metrics interface {
	RunCompleted(report domain.RunReport, duration time.Duration)
	GroupFinished(status domain.GroupStatus, currency string, net decimal.Decimal)
	ProviderCall(provider string, duration time.Duration, outcome string)
	Reconciled(report domain.ReconcileReport)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RunCompleted(domain.RunReport, time.Duration) {}
func (NopMetrics) GroupFinished(domain.GroupStatus, string, decimal.Decimal) {}
func (NopMetrics) ProviderCall(string, time.Duration, string) {}
func (NopMetrics) Reconciled(domain.ReconcileReport) {}
