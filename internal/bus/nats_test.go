package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// runNATSServer starts an embedded server on a random port.
func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestNATSBus(t *testing.T, url, queue string) *NATSBus {
	t.Helper()
	b, err := NewNATSBus(domain.EventBusConfig{
		Type:              "nats",
		NATSUrl:           url,
		NATSMaxReconnects: 1,
		NATSReconnectWait: 1,
		NATSQueue:         queue,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	ns := runNATSServer(t)
	b := newTestNATSBus(t, ns.ClientURL(), "")
	ctx := context.Background()

	var got *domain.Message
	var wg sync.WaitGroup
	wg.Add(1)

	sub, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		got = msg
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if err := b.Publish(ctx, domain.TopicAlert, []byte(`{"id":"a1"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, &wg, 5*time.Second)

	if string(got.Payload) != `{"id":"a1"}` || got.Topic != domain.TopicAlert {
		t.Errorf("unexpected envelope %+v", got)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("unsubscribe failed: %v", err)
	}
}

func TestNATSBusQueueGroup(t *testing.T) {
	ns := runNATSServer(t)
	ctx := context.Background()

	var delivered atomic.Int32
	handler := func(ctx context.Context, msg *domain.Message) error {
		delivered.Add(1)
		return nil
	}

	a := newTestNATSBus(t, ns.ClientURL(), "workers")
	b := newTestNATSBus(t, ns.ClientURL(), "workers")
	if _, err := a.Subscribe(ctx, "queue.topic", handler); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := b.Subscribe(ctx, "queue.topic", handler); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	_ = a.Ping(ctx)
	_ = b.Ping(ctx)

	const n = 20
	for i := 0; i < n; i++ {
		if err := a.Publish(ctx, "queue.topic", []byte("job")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for delivered.Load() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := delivered.Load(); got != n {
		t.Errorf("expected each message delivered once (%d), got %d", n, got)
	}
}
