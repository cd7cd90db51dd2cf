package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaTransport publishes with a shared producer client and opens one
// consumer-group client per subscription. Each polled batch is dispatched
// with one goroutine per partition and committed once every record in it is
// settled. A record settled with an error is not committed: its partition is
// rewound to it, so it and the records after it are redelivered in order.
type KafkaTransport struct {
	brokers  []string
	group    string
	producer *kgo.Client
	opts     []kgo.Opt
}

func NewKafkaTransport(brokers []string, group string, opts ...kgo.Opt) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if group == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	popts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, opts...)
	producer, err := kgo.NewClient(popts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &KafkaTransport{brokers: brokers, group: group, producer: producer, opts: opts}, nil
}

func (k *KafkaTransport) Publish(ctx context.Context, msg Message) error {
	rec := &kgo.Record{
		Topic: msg.Channel,
		Value: msg.Data,
	}
	if msg.Key != "" {
		rec.Key = []byte(msg.Key)
	}
	for name, value := range msg.Attributes {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: name, Value: []byte(value)})
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (k *KafkaTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return k.SubscribeAsync(ctx, channel, settleInline(handler))
}

type kafkaPartition struct {
	topic     string
	partition int32
}

func (k *KafkaTransport) SubscribeAsync(ctx context.Context, channel string, handler AsyncHandler) error {
	copts := append([]kgo.Opt{
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumerGroup(k.group),
		kgo.ConsumeTopics(channel),
		kgo.DisableAutoCommit(),
	}, k.opts...)
	cl, err := kgo.NewClient(copts...)
	if err != nil {
		return unavailable(err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return unavailable(errs[0].Err)
		}

		var (
			mu      sync.Mutex
			pending sync.WaitGroup
			failed  = map[kafkaPartition]int64{}
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			pending.Add(len(p.Records))
			go func(records []*kgo.Record) {
				for _, rec := range records {
					handler(ctx, recordMessage(rec), func(err error) {
						if err != nil {
							tp := kafkaPartition{rec.Topic, rec.Partition}
							mu.Lock()
							if off, ok := failed[tp]; !ok || rec.Offset < off {
								failed[tp] = rec.Offset
							}
							mu.Unlock()
						}
						pending.Done()
					})
				}
			}(p.Records)
		})
		pending.Wait()

		commit, rewind := settledOffsets(fetches, failed)
		if len(commit) > 0 {
			if err := cl.CommitRecords(ctx, commit...); err != nil && ctx.Err() == nil {
				return unavailable(err)
			}
		}
		if len(rewind) > 0 {
			cl.SetOffsets(rewind)
		}
	}
}

// settledOffsets splits a polled batch into the records safe to commit and
// the partitions to rewind. A partition with a failed record commits only the
// records before it and is rewound to it.
func settledOffsets(fetches kgo.Fetches, failed map[kafkaPartition]int64) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var commit []*kgo.Record
	fetches.EachRecord(func(rec *kgo.Record) {
		if off, ok := failed[kafkaPartition{rec.Topic, rec.Partition}]; ok && rec.Offset >= off {
			return
		}
		commit = append(commit, rec)
	})
	rewind := map[string]map[int32]kgo.EpochOffset{}
	for tp, off := range failed {
		if rewind[tp.topic] == nil {
			rewind[tp.topic] = map[int32]kgo.EpochOffset{}
		}
		rewind[tp.topic][tp.partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}
	return commit, rewind
}

func recordMessage(rec *kgo.Record) Message {
	msg := Message{
		Channel:    rec.Topic,
		Key:        string(rec.Key),
		Data:       rec.Value,
		Attributes: map[string]string{},
	}
	for _, h := range rec.Headers {
		msg.Attributes[h.Key] = string(h.Value)
	}
	return msg
}

func (k *KafkaTransport) Close() error {
	k.producer.Close()
	return nil
}
