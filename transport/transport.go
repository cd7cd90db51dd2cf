package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTransportUnavailable is returned when a channel cannot accept a message.
// Callers decide whether to retry publication themselves.
var ErrTransportUnavailable = errors.New("transport unavailable")

const (
	AttrChannel       = "channel"
	AttrTier          = "tier"
	AttrCorrelationId = "correlation_id"
	AttrEventType     = "event_type"
	AttrAttempts      = "attempts"
)

type Message struct {
	Channel    string            `json:"channel"`
	Key        string            `json:"key,omitempty"`
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Handler processes one delivery. A nil return acknowledges it; an error
// asks the broker to redeliver.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe blocks until ctx is done or the subscription fails.
	Subscribe(ctx context.Context, channel string, handler Handler) error
}

// AsyncHandler receives one delivery and must call settle exactly once,
// possibly after it returns. A nil error acknowledges the delivery; an error
// asks the broker to redeliver it.
type AsyncHandler func(ctx context.Context, msg Message, settle func(error))

// AsyncSubscriber keeps taking deliveries while earlier ones are unsettled.
type AsyncSubscriber interface {
	SubscribeAsync(ctx context.Context, channel string, handler AsyncHandler) error
}

type Transport interface {
	Publisher
	Subscriber
	Close() error
}

func settleInline(handler Handler) AsyncHandler {
	return func(ctx context.Context, msg Message, settle func(error)) {
		settle(handler(ctx, msg))
	}
}

// Scheduler delivers msg to msg.Channel once delay has elapsed. It never
// blocks the caller for the duration of the delay.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, msg Message) error
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
}

// Channels names one main channel, one channel per retry tier and one DLQ
// channel for an event type.
type Channels struct {
	Main  string
	Retry []string
	Tiers []time.Duration
	Dlq   string
}

// ChannelsFor derives channel names from a base such as "catalog.sync":
// catalog.sync, catalog.sync.retry.1m, ..., catalog.sync.dlq.
func ChannelsFor(base string, tiers []time.Duration) Channels {
	base = strings.TrimSpace(base)
	c := Channels{
		Main:  base,
		Dlq:   base + ".dlq",
		Tiers: append([]time.Duration(nil), tiers...),
	}
	for _, d := range tiers {
		c.Retry = append(c.Retry, base+".retry."+TierName(d))
	}
	return c
}

// RetryChannel returns the channel for the zero-based tier index, clamped
// to the last tier.
func (c Channels) RetryChannel(tier int) string {
	if len(c.Retry) == 0 {
		return c.Main
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(c.Retry) {
		tier = len(c.Retry) - 1
	}
	return c.Retry[tier]
}

func (c Channels) All() []string {
	out := []string{c.Main}
	out = append(out, c.Retry...)
	return append(out, c.Dlq)
}

// TierName renders a delay compactly: 30s, 1m, 15m, 2h.
func TierName(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

func cloneAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
