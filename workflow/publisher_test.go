package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(ctx context.Context, msg transport.Message) error { return f.err }

func TestPublish_KeyedByAccountOnMainChannel(t *testing.T) {
	bus := transport.NewMemoryBus(4)
	p := NewEventPublisher(bus, testChannels())
	event := testEvent("acct-1")

	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, ok := bus.TryReceive(testChannels().Main)
	if !ok {
		t.Fatalf("expected message on %s", testChannels().Main)
	}
	if msg.Key != "acct-1" {
		t.Fatalf("expected key acct-1, got %q", msg.Key)
	}
	if msg.Attributes[transport.AttrCorrelationId] != event.CorrelationId {
		t.Fatalf("correlation id attribute missing: %+v", msg.Attributes)
	}
	env, err := models.DecodeDelivery(msg.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event.IdempotencyKey != event.IdempotencyKey || env.Attempts != 0 {
		t.Fatalf("unexpected delivery %+v", env)
	}
}

func TestPublish_BrokerFailureIsTransportUnavailable(t *testing.T) {
	p := NewEventPublisher(failingPublisher{err: errors.New("connection refused")}, testChannels())
	err := p.Publish(context.Background(), testEvent("acct-1"))
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	bus := transport.NewMemoryBus(1)
	_ = bus.Close()
	p = NewEventPublisher(bus, testChannels())
	if err := p.Publish(context.Background(), testEvent("acct-1")); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("closed bus: expected ErrTransportUnavailable, got %v", err)
	}
}

func TestPublish_InvalidEventRejected(t *testing.T) {
	bus := transport.NewMemoryBus(1)
	p := NewEventPublisher(bus, testChannels())
	event := testEvent("acct-1")
	event.IdempotencyKey = ""

	if err := p.Publish(context.Background(), event); err == nil {
		t.Fatalf("expected validation error")
	}
	if bus.Pending(testChannels().Main) != 0 {
		t.Fatalf("invalid event must not be published")
	}
}
