package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// waitFor fails the test if wg does not finish within d.
func waitFor(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var got *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
			got = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicTransactionScored, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg, time.Second)

		if string(got.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(got.Payload))
		}
		if got.Topic != domain.TopicTransactionScored || got.ID == "" {
			t.Errorf("unexpected envelope %+v", got)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var other atomic.Int32
		_, _ = bus.Subscribe(ctx, "other.topic", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		var wg sync.WaitGroup
		wg.Add(1)
		_, _ = bus.Subscribe(ctx, "isolated.topic", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, "isolated.topic", []byte("x"))
		waitFor(t, &wg, time.Second)

		if other.Load() != 0 {
			t.Errorf("message leaked to another topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic 'unsub.topic', got %q", sub.Topic())
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		_ = bus.Publish(ctx, "unsub.topic", []byte("late"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)
		for i := 0; i < 3; i++ {
			_, _ = bus.Subscribe(ctx, "fanout.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}
		_ = bus.Publish(ctx, "fanout.topic", []byte("all"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		_, _ = bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return errors.New("handler failed")
		})
		_ = bus.Publish(ctx, "err.topic", []byte("1"))
		_ = bus.Publish(ctx, "err.topic", []byte("2"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 100

	var received atomic.Int32
	var wg sync.WaitGroup
	wg.Add(messageCount)

	_, _ = bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		_ = bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}
