package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/mcdev12/gavel/go/internal/auction/events"
)

type recordingHandler struct {
	eventType events.DomainEventType
	payload   []byte
	err       error
}

func (h *recordingHandler) HandleDomainEvent(ctx context.Context, eventType events.DomainEventType, payload []byte) error {
	h.eventType = eventType
	h.payload = payload
	return h.err
}

func TestProcessMessageDispatchesEnvelope(t *testing.T) {
	h := &recordingHandler{}
	c := NewCatalogConsumer(nil, h, DefaultConsumerConfig())

	data, err := json.Marshal(events.DomainEvent{
		EventID:   "evt-1",
		EventType: events.EventAuctionCancelled,
		AuctionID: "lot-1",
		Timestamp: t0,
		Payload:   json.RawMessage(`{"auction_id":"lot-1"}`),
	})
	assert.NoError(t, err)

	assert.NoError(t, c.processMessage(context.Background(), data))
	check.Equal(t, events.EventAuctionCancelled, h.eventType)
	check.Equal(t, `{"auction_id":"lot-1"}`, string(h.payload))
}

func TestProcessMessageErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewCatalogConsumer(nil, &recordingHandler{err: boom}, DefaultConsumerConfig())

	check.Error(t, c.processMessage(context.Background(), []byte("not json")))

	err := c.processMessage(context.Background(), []byte(`{"eventType":"AuctionScheduled","payload":{}}`))
	check.True(t, errors.Is(err, boom))
}
