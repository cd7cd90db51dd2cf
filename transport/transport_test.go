package transport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestChannelsFor(t *testing.T) {
	c := ChannelsFor("catalog.sync", []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute})
	want := []string{
		"catalog.sync",
		"catalog.sync.retry.1m",
		"catalog.sync.retry.5m",
		"catalog.sync.retry.15m",
		"catalog.sync.dlq",
	}
	got := c.All()
	if len(got) != len(want) {
		t.Fatalf("expected %d channels, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channel %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if c.RetryChannel(7) != "catalog.sync.retry.15m" {
		t.Fatalf("expected clamp to last tier, got %s", c.RetryChannel(7))
	}
}

func TestTierName(t *testing.T) {
	cases := map[time.Duration]string{
		30 * time.Second:       "30s",
		time.Minute:            "1m",
		90 * time.Second:       "90s",
		2 * time.Hour:          "2h",
		250 * time.Millisecond: "250ms",
	}
	for d, want := range cases {
		if got := TierName(d); got != want {
			t.Fatalf("TierName(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestMemoryBus_FullChannelIsUnavailable(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	if err := bus.Publish(ctx, Message{Channel: "c", Data: []byte("1")}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(ctx, Message{Channel: "c", Data: []byte("2")})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(ctx, Message{Channel: "d"}); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected closed bus to be unavailable, got %v", err)
	}
}

func TestMemoryBus_SubscribeDelivers(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	go func() {
		_ = bus.Subscribe(ctx, "c", func(ctx context.Context, msg Message) error {
			got <- msg
			return nil
		})
	}()
	if err := bus.Publish(ctx, Message{Channel: "c", Key: "acct-1", Data: []byte("x")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Key != "acct-1" || string(msg.Data) != "x" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestMemoryBus_SubscribeAsyncKeepsDeliveringWhileUnsettled(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settles := make(chan func(error), 2)
	go func() {
		_ = bus.SubscribeAsync(ctx, "c", func(ctx context.Context, msg Message, settle func(error)) {
			settles <- settle
		})
	}()
	for _, key := range []string{"acct-1", "acct-2"} {
		if err := bus.Publish(ctx, Message{Channel: "c", Key: key}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var first func(error)
	for i := 0; i < 2; i++ {
		select {
		case s := <-settles:
			if first == nil {
				first = s
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d not handed out while the first was unsettled", i+1)
		}
	}

	first(errors.New("redeliver"))
	select {
	case <-settles:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery settled with an error was not redelivered")
	}
}

func TestTimerScheduler_DeliversAfterDelay(t *testing.T) {
	bus := NewMemoryBus(8)
	s := NewTimerScheduler(bus, nil)
	defer s.Stop()

	start := time.Now()
	if err := s.ScheduleAfter(context.Background(), 20*time.Millisecond, Message{Channel: "main", Data: []byte("x")}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if bus.Pending("main") != 0 {
		t.Fatalf("message delivered before delay")
	}
	deadline := time.Now().Add(2 * time.Second)
	for bus.Pending("main") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("delivered too early")
	}
}

func TestTimerScheduler_StopCancelsPending(t *testing.T) {
	bus := NewMemoryBus(8)
	s := NewTimerScheduler(bus, nil)
	_ = s.ScheduleAfter(context.Background(), 50*time.Millisecond, Message{Channel: "main"})
	s.Stop()
	time.Sleep(100 * time.Millisecond)
	if bus.Pending("main") != 0 {
		t.Fatalf("stopped scheduler still delivered")
	}
	if err := s.ScheduleAfter(context.Background(), time.Millisecond, Message{Channel: "main"}); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected stopped scheduler to refuse, got %v", err)
	}
}

func TestRedisScheduler_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run against REDIS_ADDRESS")
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	bus := NewMemoryBus(8)
	s := NewRedisScheduler(client, bus, nil)
	s.KeyPrefix = "catalog-sync-test:" + time.Now().Format("150405.000000") + ":"
	now := time.Now()
	s.now = func() time.Time { return now }

	msg := Message{Channel: "main", Data: []byte("x"), Attributes: map[string]string{AttrTier: "catalog.sync.retry.1m"}}
	if err := s.ScheduleAfter(ctx, time.Minute, msg); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	n, err := s.DispatchDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing due yet, got %d %v", n, err)
	}

	now = now.Add(61 * time.Second)
	n, err = s.DispatchDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one delivery, got %d %v", n, err)
	}
	n, _ = s.DispatchDue(ctx)
	if n != 0 {
		t.Fatalf("entry delivered twice")
	}
	if bus.Pending("main") != 1 {
		t.Fatalf("expected message on main channel")
	}
	client.Del(ctx, s.tiersKey(), s.KeyPrefix+"catalog.sync.retry.1m")
}
