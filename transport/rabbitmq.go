package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

const rabbitKeyHeader = "x-partition-key"

// RabbitMQTransport maps each channel to a durable queue on the default
// exchange. Deliveries are acknowledged manually once settled; up to Prefetch
// of them may be outstanding at a time. A nack requeues the delivery, which
// the broker may hand out after later messages of the same key.
type RabbitMQTransport struct {
	conn     *amqp091.Connection
	Prefetch int

	mu       sync.Mutex
	pubCh    *amqp091.Channel
	declared map[string]bool
}

func NewRabbitMQTransport(url string) (*RabbitMQTransport, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return &RabbitMQTransport{
		conn:     conn,
		Prefetch: 16,
		pubCh:    ch,
		declared: map[string]bool{},
	}, nil
}

func declareQueue(ch *amqp091.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (r *RabbitMQTransport) Publish(ctx context.Context, msg Message) error {
	// amqp channels are not safe for concurrent publishing
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.declared[msg.Channel] {
		if err := declareQueue(r.pubCh, msg.Channel); err != nil {
			return unavailable(err)
		}
		r.declared[msg.Channel] = true
	}

	headers := amqp091.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[rabbitKeyHeader] = msg.Key
	}
	err := r.pubCh.PublishWithContext(ctx, "", msg.Channel, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Body:         msg.Data,
	})
	return unavailable(err)
}

func (r *RabbitMQTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return r.SubscribeAsync(ctx, channel, settleInline(handler))
}

func (r *RabbitMQTransport) SubscribeAsync(ctx context.Context, channel string, handler AsyncHandler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return unavailable(err)
	}
	defer ch.Close()

	prefetch := r.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return unavailable(err)
	}
	if err := declareQueue(ch, channel); err != nil {
		return unavailable(err)
	}
	deliveries, err := ch.Consume(channel, "", false, false, false, false, nil)
	if err != nil {
		return unavailable(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrTransportUnavailable
			}
			handler(ctx, deliveryMessage(channel, d), func(err error) {
				if err != nil {
					_ = d.Nack(false, true)
					return
				}
				_ = d.Ack(false)
			})
		}
	}
}

func deliveryMessage(channel string, d amqp091.Delivery) Message {
	msg := Message{Channel: channel, Data: d.Body, Attributes: map[string]string{}}
	for k, v := range d.Headers {
		s, isString := v.(string)
		if !isString {
			continue
		}
		if k == rabbitKeyHeader {
			msg.Key = s
			continue
		}
		msg.Attributes[k] = s
	}
	return msg
}

func (r *RabbitMQTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubCh != nil {
		_ = r.pubCh.Close()
	}
	return r.conn.Close()
}
