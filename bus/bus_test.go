package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/durable/model"
)

func expectPayload(t *testing.T, sub model.Subscription, want string) {
	t.Helper()
	select {
	case got, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		if string(got) != want {
			t.Errorf("payload = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func exercise(t *testing.T, b model.Bus) {
	t.Helper()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "durable.test")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := b.Subscribe(ctx, "durable.other")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "durable.test", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectPayload(t, sub, "hello")

	select {
	case p := <-other.Messages():
		t.Errorf("unexpected payload on other subject: %q", p)
	case <-time.After(50 * time.Millisecond):
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("closed subscription should drain to closed channel")
	}
	_ = other.Close()
}

// --- Memory ---

func TestMemory(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	exercise(t, b)
}

func TestMemory_subscriptionClosesWithContext(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "x")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestMemory_publishDoesNotBlock(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	if _, err := b.Subscribe(context.Background(), "x"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for range subscriptionBuffer * 2 {
		if err := b.Publish(context.Background(), "x", []byte("p")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

// --- Redis ---

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exercise(t, NewRedis(client))
}

// --- NATS ---

func TestNATS(t *testing.T) {
	url := os.Getenv("DURABLE_TEST_NATS_URL")
	if url == "" {
		t.Skip("DURABLE_TEST_NATS_URL not set")
	}
	b, err := ConnectNATS(url)
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	defer b.Close()
	exercise(t, b)
}
