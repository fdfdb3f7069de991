package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestFanoutDeliversToEveryQueue(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	if err := b.DeclareExchange(ctx, Exchange{Name: "entropy", Kind: KindFanout}); err != nil {
		t.Fatalf("DeclareExchange: %v", err)
	}
	a, err := b.Subscribe(ctx, Binding{Queue: "e.a", Exchange: "entropy", RoutingKey: "vmcount"})
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	c, err := b.Subscribe(ctx, Binding{Queue: "e.c", Exchange: "entropy", RoutingKey: "other"})
	if err != nil {
		t.Fatalf("Subscribe c: %v", err)
	}

	msg, err := NewMessage("vm_count", time.Unix(100, 0), map[string]int{"h1": 3})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := b.Publish(ctx, "entropy", "vmcount", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, ch := range []<-chan Delivery{a, c} {
		d := recv(t, ch)
		if d.RoutingKey != "vmcount" || d.Message.Source != "vm_count" {
			t.Fatalf("unexpected delivery %+v", d)
		}
		var got map[string]int
		if err := d.Message.Decode(&got); err != nil || got["h1"] != 3 {
			t.Fatalf("Decode = %v, %v", got, err)
		}
		if err := d.Ack(); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestDirectRoutesByKey(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	_ = b.DeclareExchange(ctx, Exchange{Name: "d", Kind: KindDirect})
	hit, _ := b.Subscribe(ctx, Binding{Queue: "hit", Exchange: "d", RoutingKey: "k1"})
	_, _ = b.Subscribe(ctx, Binding{Queue: "miss", Exchange: "d", RoutingKey: "k2"})

	if err := b.Publish(ctx, "d", "k1", Message{Source: "x"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	recv(t, hit)
	if n := b.QueueLen("miss"); n != 0 {
		t.Fatalf("miss queue has %d messages, want 0", n)
	}
}

func TestPublishUndeclaredExchange(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	err := b.Publish(context.Background(), "nope", "k", Message{})
	if !errors.Is(err, ErrNoExchange) {
		t.Fatalf("err = %v, want ErrNoExchange", err)
	}
}

func TestNackRequeueRedelivers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	_ = b.DeclareExchange(ctx, Exchange{Name: "x"})
	ch, _ := b.Subscribe(ctx, Binding{Queue: "q", Exchange: "x"})
	_ = b.Publish(ctx, "x", "", Message{Source: "s"})

	first := recv(t, ch)
	if first.Redelivered {
		t.Fatal("first delivery marked redelivered")
	}
	if err := first.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	second := recv(t, ch)
	if !second.Redelivered || second.Message.Source != "s" {
		t.Fatalf("redelivery = %+v", second)
	}
}

func TestCredentialsURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		creds Credentials
		want  string
	}{
		{Credentials{}, "amqp://localhost:5672/"},
		{Credentials{Host: "mq", Port: 5673, User: "guest", Password: "guest"}, "amqp://guest:guest@mq:5673/"},
		{Credentials{Host: "mq", VHost: "/prod"}, "amqp://mq:5672/prod"},
	}
	for _, tt := range tests {
		if got := tt.creds.URL(); got != tt.want {
			t.Errorf("URL(%+v) = %q, want %q", tt.creds, got, tt.want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	if got := redactURL("amqp://u:p@h:1/"); got != "amqp://***@h:1/" {
		t.Fatalf("redactURL = %q", got)
	}
}
