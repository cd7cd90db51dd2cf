package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/config"
)

// PubSubTransport maps each channel to a topic of the same name and a
// subscription named "<channel>.<SubscriptionSuffix>".
type PubSubTransport struct {
	client             *pubsub.Client
	createTopics       bool
	SubscriptionSuffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubTransport(client *pubsub.Client, createTopics bool, subscriptionSuffix string) *PubSubTransport {
	if subscriptionSuffix == "" {
		subscriptionSuffix = "catalog-sync"
	}
	return &PubSubTransport{
		client:             client,
		createTopics:       createTopics,
		SubscriptionSuffix: subscriptionSuffix,
		topics:             map[string]*pubsub.Topic{},
	}
}

func (p *PubSubTransport) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t := p.client.Topic(name)
	if p.createTopics {
		var err error
		t, err = config.CreateTopicIfNotExists(ctx, p.client, name)
		if err != nil {
			return nil, err
		}
	}
	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t, nil
}

func (p *PubSubTransport) Publish(ctx context.Context, msg Message) error {
	t, err := p.topic(ctx, msg.Channel)
	if err != nil {
		return unavailable(err)
	}
	attrs := cloneAttributes(msg.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs[AttrChannel] = msg.Channel

	res := t.Publish(ctx, &pubsub.Message{
		Data:        msg.Data,
		Attributes:  attrs,
		OrderingKey: msg.Key,
	})
	if _, err := res.Get(ctx); err != nil {
		if msg.Key != "" {
			// ordering keys are paused after a failed publish
			t.ResumePublish(msg.Key)
		}
		return unavailable(err)
	}
	return nil
}

func (p *PubSubTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	name := channel + "." + p.SubscriptionSuffix
	sub := p.client.Subscription(name)
	if p.createTopics {
		t, err := p.topic(ctx, channel)
		if err != nil {
			return unavailable(err)
		}
		sub, err = config.CreateSubscriptionIfNotExists(ctx, p.client, name, t)
		if err != nil {
			return unavailable(err)
		}
	}
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		herr := handler(ctx, Message{
			Channel:    channel,
			Key:        m.OrderingKey,
			Data:       m.Data,
			Attributes: m.Attributes,
		})
		if herr != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return unavailable(err)
	}
	return nil
}

func (p *PubSubTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	return nil
}

type PubSubPushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		ID          string            `json:"messageId"`
		OrderingKey string            `json:"orderingKey"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushHandler adapts a Pub/Sub push subscription to a Handler. Malformed
// envelopes are acknowledged (204) so they are not redelivered forever;
// handler errors return 500 so Pub/Sub retries.
func PushHandler(defaultChannel string, handler Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Message.Data) == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		channel := envelope.Message.Attributes[AttrChannel]
		if channel == "" {
			channel = defaultChannel
		}
		err = handler(c.Request.Context(), Message{
			Channel:    channel,
			Key:        envelope.Message.OrderingKey,
			Data:       envelope.Message.Data,
			Attributes: envelope.Message.Attributes,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("handler failed: %v", err)})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
