package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beatnyk77/vibepe/internal/domain"
)

type publisherStub struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *publisherStub) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.exchange = exchange
	p.routingKey = routingKey
	p.body = body
	return nil
}

func (p *publisherStub) Close() {}

func TestEventNotifier_PublishesSettledEvent(t *testing.T) {
	publisher := &publisherStub{}
	notifier := NewEventNotifier(publisher, "", "")

	summary := domain.PayoutSummary{PayoutID: "p1", BeneficiaryID: "u1", NetAmount: dec("144.68"), Currency: "USD", MemberCount: 2}
	require.NoError(t, notifier.Notify(context.Background(), "u1@example.com", summary))

	require.Equal(t, DefaultNotifyExchange, publisher.exchange)
	require.Equal(t, DefaultNotifyRoutingKey, publisher.routingKey)

	event, ok := publisher.body.(PayoutSettledEvent)
	require.True(t, ok)
	require.Equal(t, "u1@example.com", event.Contact)
	require.Equal(t, "p1", event.Summary.PayoutID)
	require.False(t, event.Timestamp.IsZero())
}
