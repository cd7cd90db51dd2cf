package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
)

// EventPublisher puts sync events on the main channel keyed by account, so
// one account's events keep their order.
type EventPublisher struct {
	Publisher transport.Publisher
	Channels  transport.Channels
}

func NewEventPublisher(publisher transport.Publisher, channels transport.Channels) *EventPublisher {
	return &EventPublisher{Publisher: publisher, Channels: channels}
}

// Publish validates and sends a first delivery. Broker failures come back
// wrapping transport.ErrTransportUnavailable; nothing is retried here.
func (p *EventPublisher) Publish(ctx context.Context, event models.SyncEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid sync event: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(ctx, event, data, map[string]string{
		transport.AttrCorrelationId: event.CorrelationId,
		transport.AttrEventType:     event.EventType,
	})
}

// PublishEnvelope re-injects an envelope, as DLQ replay does.
func (p *EventPublisher) PublishEnvelope(ctx context.Context, env models.RetryEnvelope) error {
	if err := env.Event.Validate(); err != nil {
		return fmt.Errorf("invalid sync event: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.send(ctx, env.Event, data, map[string]string{
		transport.AttrCorrelationId: env.Event.CorrelationId,
		transport.AttrEventType:     env.Event.EventType,
		transport.AttrAttempts:      strconv.Itoa(env.Attempts),
	})
}

func (p *EventPublisher) send(ctx context.Context, event models.SyncEvent, data []byte, attrs map[string]string) error {
	if p.Publisher == nil {
		return transport.ErrTransportUnavailable
	}
	err := p.Publisher.Publish(ctx, transport.Message{
		Channel:    p.Channels.Main,
		Key:        event.AccountId,
		Data:       data,
		Attributes: attrs,
	})
	if err == nil || errors.Is(err, transport.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
}
