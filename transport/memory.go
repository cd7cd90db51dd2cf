package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultMemoryCapacity = 1024

// MemoryBus is an in-process transport backed by buffered channels. It is
// used for local runs and tests.
type MemoryBus struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	capacity int
	closed   bool
}

func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryBus{queues: map[string]chan Message{}, capacity: capacity}
}

func (b *MemoryBus) queue(channel string) (chan Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	q, ok := b.queues[channel]
	if !ok {
		q = make(chan Message, b.capacity)
		b.queues[channel] = q
	}
	return q, true
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	q, ok := b.queue(msg.Channel)
	if !ok {
		return ErrTransportUnavailable
	}
	msg.Attributes = cloneAttributes(msg.Attributes)
	select {
	case q <- msg:
		return nil
	default:
		return ErrTransportUnavailable
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return b.SubscribeAsync(ctx, channel, settleInline(handler))
}

// SubscribeAsync hands each delivery to handler without waiting for it to be
// settled. A delivery settled with an error is put back on the channel.
func (b *MemoryBus) SubscribeAsync(ctx context.Context, channel string, handler AsyncHandler) error {
	q, ok := b.queue(channel)
	if !ok {
		return ErrTransportUnavailable
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			handler(ctx, msg, func(err error) {
				if err == nil {
					return
				}
				select {
				case q <- msg:
				default:
				}
			})
		}
	}
}

// Pending reports how many messages wait on channel.
func (b *MemoryBus) Pending(channel string) int {
	q, ok := b.queue(channel)
	if !ok {
		return 0
	}
	return len(q)
}

// TryReceive pops one message from channel without blocking.
func (b *MemoryBus) TryReceive(channel string) (Message, bool) {
	q, ok := b.queue(channel)
	if !ok {
		return Message{}, false
	}
	select {
	case msg := <-q:
		return msg, true
	default:
		return Message{}, false
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// TimerScheduler delays delivery with time.AfterFunc. Pending timers are lost
// on restart, so it is meant for local runs and single-node setups.
type TimerScheduler struct {
	Publisher Publisher
	Logger    *logrus.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewTimerScheduler(publisher Publisher, logger *logrus.Logger) *TimerScheduler {
	return &TimerScheduler{Publisher: publisher, Logger: logger, timers: map[*time.Timer]struct{}{}}
}

func (s *TimerScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTransportUnavailable
	}
	msg.Attributes = cloneAttributes(msg.Attributes)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		if err := s.Publisher.Publish(context.Background(), msg); err != nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":   "TimerScheduler",
				"channel": msg.Channel,
				"tier":    msg.Attributes[AttrTier],
			}).Error("scheduled redelivery failed: " + err.Error())
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// Stop cancels every pending timer.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
}
