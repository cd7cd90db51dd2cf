package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type scheduledMessage struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
}

// RedisScheduler keeps delayed messages in one sorted set per retry tier,
// scored by due time in unix millis. Run moves due entries back to their
// destination channel. ZREM is the claim, so concurrent pollers never
// deliver the same entry twice.
type RedisScheduler struct {
	Client       *redis.Client
	Publisher    Publisher
	Logger       *logrus.Logger
	KeyPrefix    string
	PollInterval time.Duration
	BatchSize    int64
	RetryBackoff time.Duration

	now func() time.Time
}

func NewRedisScheduler(client *redis.Client, publisher Publisher, logger *logrus.Logger) *RedisScheduler {
	return &RedisScheduler{
		Client:       client,
		Publisher:    publisher,
		Logger:       logger,
		KeyPrefix:    "catalog-sync:delayed:",
		PollInterval: time.Second,
		BatchSize:    100,
		RetryBackoff: 5 * time.Second,
		now:          time.Now,
	}
}

func (s *RedisScheduler) tiersKey() string {
	return s.KeyPrefix + "tiers"
}

func (s *RedisScheduler) tierKey(msg Message) string {
	tier := msg.Attributes[AttrTier]
	if tier == "" {
		tier = msg.Channel
	}
	return s.KeyPrefix + tier
}

func (s *RedisScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, msg Message) error {
	member, err := json.Marshal(scheduledMessage{ID: uuid.NewString(), Message: msg})
	if err != nil {
		return err
	}
	key := s.tierKey(msg)
	due := s.now().Add(delay).UnixMilli()

	pipe := s.Client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(due), Member: string(member)})
	pipe.SAdd(ctx, s.tiersKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.DispatchDue(ctx); err != nil && ctx.Err() == nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{"field": "RedisScheduler"}).Error(err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// DispatchDue publishes every entry whose due time has passed and returns
// how many were delivered.
func (s *RedisScheduler) DispatchDue(ctx context.Context) (int, error) {
	keys, err := s.Client.SMembers(ctx, s.tiersKey()).Result()
	if err != nil {
		return 0, err
	}
	now := s.now()
	delivered := 0
	for _, key := range keys {
		members, err := s.Client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: s.BatchSize,
		}).Result()
		if err != nil {
			return delivered, err
		}
		for _, member := range members {
			removed, err := s.Client.ZRem(ctx, key, member).Result()
			if err != nil {
				return delivered, err
			}
			if removed == 0 {
				continue
			}
			var sm scheduledMessage
			if err := json.Unmarshal([]byte(member), &sm); err != nil {
				if s.Logger != nil {
					s.Logger.WithFields(logrus.Fields{"field": "RedisScheduler", "key": key}).
						Error("dropping undecodable scheduled entry: " + err.Error())
				}
				continue
			}
			if err := s.Publisher.Publish(ctx, sm.Message); err != nil {
				retryAt := now.Add(s.RetryBackoff).UnixMilli()
				s.Client.ZAdd(ctx, key, redis.Z{Score: float64(retryAt), Member: member})
				if s.Logger != nil {
					s.Logger.WithFields(logrus.Fields{
						"field":   "RedisScheduler",
						"key":     key,
						"channel": sm.Message.Channel,
					}).Warn("redelivery failed; rescheduled: " + err.Error())
				}
				continue
			}
			delivered++
		}
	}
	return delivered, nil
}
