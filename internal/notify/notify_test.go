package notify

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestLocalPublishSubscribe(t *testing.T) {
	l := NewLocal()
	ch, unsubscribe := l.Subscribe("k1")
	defer unsubscribe()
	other, unsubOther := l.Subscribe("k2")
	defer unsubOther()

	if err := l.Publish(t.Context(), "k1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected signal for k1")
	}
	select {
	case <-other:
		t.Fatal("k2 subscriber must not be signalled for k1")
	default:
	}
}

func TestLocalSignalsCoalesce(t *testing.T) {
	l := NewLocal()
	ch, unsubscribe := l.Subscribe("k")
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		l.Publish(context.Background(), "k")
	}

	<-ch
	select {
	case <-ch:
		t.Fatal("burst of publishes should leave a single pending signal")
	default:
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	l := NewLocal()
	_, unsub1 := l.Subscribe("k")
	_, unsub2 := l.Subscribe("k")
	if n := l.Subscribers("k"); n != 2 {
		t.Fatalf("Subscribers = %d, want 2", n)
	}

	unsub1()
	unsub1() // second call is a no-op
	if n := l.Subscribers("k"); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}
	unsub2()
	if n := l.Subscribers("k"); n != 0 {
		t.Fatalf("Subscribers = %d, want 0", n)
	}

	// Publishing with no listeners must not block.
	l.Publish(context.Background(), "k")
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("SHIPLOG_REDIS_ADDR")
	if addr == "" {
		t.Skip("set SHIPLOG_REDIS_ADDR to run redis notifier tests")
	}
	ctx := t.Context()

	client, err := Connect(ctx, "redis://"+addr+"/0")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	a, err := NewRedis(ctx, client, nil)
	if err != nil {
		t.Fatalf("NewRedis(a): %v", err)
	}
	defer a.Close()
	b, err := NewRedis(ctx, client, nil)
	if err != nil {
		t.Fatalf("NewRedis(b): %v", err)
	}
	defer b.Close()

	ch, unsubscribe := b.Subscribe("key-xyz")
	defer unsubscribe()

	if err := a.Publish(ctx, "key-xyz"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("signal published on one notifier did not reach the other")
	}
}
