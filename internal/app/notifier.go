package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/pkg/rabbitmq"
)

const (
	DefaultNotifyExchange   = "payout_events"
	DefaultNotifyRoutingKey = "payout.settled"
)

// Notifier tells a beneficiary about a settled payout. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, contact string, summary domain.PayoutSummary) error
}

// PayoutSettledEvent is the message consumed by the notification service.
type PayoutSettledEvent struct {
	Contact   string               `json:"contact"`
	Summary   domain.PayoutSummary `json:"summary"`
	Timestamp time.Time            `json:"timestamp"`
}

// EventNotifier publishes payout.settled events; rendering and delivery happen downstream.
type EventNotifier struct {
	publisher  rabbitmq.Publisher
	exchange   string
	routingKey string
}

// NewEventNotifier creates a notifier over a RabbitMQ publisher.
func NewEventNotifier(publisher rabbitmq.Publisher, exchange, routingKey string) *EventNotifier {
	if exchange == "" {
		exchange = DefaultNotifyExchange
	}
	if routingKey == "" {
		routingKey = DefaultNotifyRoutingKey
	}
	return &EventNotifier{publisher: publisher, exchange: exchange, routingKey: routingKey}
}

func (n *EventNotifier) Notify(ctx context.Context, contact string, summary domain.PayoutSummary) error {
	return n.publisher.Publish(ctx, n.exchange, n.routingKey, PayoutSettledEvent{
		Contact:   contact,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	})
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, domain.PayoutSummary) error { return nil }

// notifySettled sends the settlement summary for a paid group. Failures and panics
// are logged and never returned.
func notifySettled(ctx context.Context, notifier Notifier, timeout time.Duration, logger *slog.Logger, group domain.PayoutGroup, eval Evaluation, outcome domain.SettlementOutcome) {
	summary := domain.PayoutSummary{
		PayoutID:      outcome.PayoutID,
		BeneficiaryID: group.BeneficiaryID,
		GrossAmount:   RoundMinor(eval.Gross, group.Currency),
		FeeAmount:     RoundMinor(eval.Fee, group.Currency),
		NetAmount:     RoundMinor(eval.Net, group.Currency),
		Currency:      group.Currency,
		MemberCount:   len(group.Members),
		FinalAmount:   RoundMinor(outcome.FinalAmount, outcome.FinalCurrency),
		FinalCurrency: outcome.FinalCurrency,
	}

	notifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in payout notifier", "panic", rec)
		}
	}()
	if err := notifier.Notify(notifyCtx, group.Contact(), summary); err != nil {
		logger.Warn("payout notification failed", "error", err)
	}
}
