package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Open builds the transport named by SYNC_TRANSPORT.
func Open(ctx context.Context, s config.Settings) (Transport, error) {
	switch s.Transport {
	case "pubsub", "":
		client, err := config.GetClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewPubSubTransport(client, s.PubSubCreateTopics, s.PubSubSubscription), nil
	case "kafka":
		return NewKafkaTransport(s.KafkaBrokers, s.KafkaGroup)
	case "rabbitmq":
		return NewRabbitMQTransport(s.RabbitMQURL)
	case "memory":
		return NewMemoryBus(0), nil
	default:
		return nil, fmt.Errorf("unknown SYNC_TRANSPORT %q", s.Transport)
	}
}

// OpenScheduler builds the delayed-redelivery scheduler named by
// RETRY_SCHEDULER. The returned runner is nil when nothing needs polling.
func OpenScheduler(s config.Settings, publisher Publisher, client *redis.Client, logger *logrus.Logger) (Scheduler, func(context.Context), error) {
	switch s.Scheduler {
	case "redis", "":
		if client == nil {
			return nil, nil, errors.New("redis scheduler requires a redis client")
		}
		rs := NewRedisScheduler(client, publisher, logger)
		if s.RetryPollInterval > 0 {
			rs.PollInterval = s.RetryPollInterval
		}
		return rs, rs.Run, nil
	case "memory":
		ts := NewTimerScheduler(publisher, logger)
		return ts, func(ctx context.Context) {
			<-ctx.Done()
			ts.Stop()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown RETRY_SCHEDULER %q", s.Scheduler)
	}
}
