package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"
)

// amqpDialer keeps one broker connection per URL.
type amqpDialer struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]*amqpBus
}

func newAMQPDialer(cfg Config) *amqpDialer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	return &amqpDialer{cfg: cfg, conns: map[string]*amqpBus{}}
}

func (d *amqpDialer) Dial(ctx context.Context, creds Credentials) (Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := strings.TrimSpace(d.cfg.URL)
	if u == "" {
		u = creds.URL()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.conns[u]; b != nil && !b.conn.IsClosed() {
		return b, nil
	}
	conn, err := amqp.Dial(u)
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s: %w", redactURL(u), err)
	}
	b := &amqpBus{conn: conn, prefetch: d.cfg.Prefetch}
	b.mu.Lock()
	_, err = b.channelLocked()
	b.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.conns[u] = b
	return b, nil
}

func (d *amqpDialer) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = map[string]*amqpBus{}
	d.mu.Unlock()

	var first error
	for _, b := range conns {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// amqpConn is the part of *amqp.Connection the bus uses.
type amqpConn interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

type amqpBus struct {
	conn     amqpConn
	prefetch int

	// amqp.Channel is not safe for concurrent publishes.
	mu        sync.Mutex
	pub       *amqp.Channel
	pubClosed chan *amqp.Error
}

// channelLocked returns the publish channel, reopening it when the broker
// closed it (a channel exception leaves the connection up). Callers hold mu.
func (b *amqpBus) channelLocked() (*amqp.Channel, error) {
	if b.pub != nil && !closedSignal(b.pubClosed) {
		return b.pub, nil
	}
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	b.pub = ch
	b.pubClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return ch, nil
}

// closedSignal reports whether a NotifyClose channel has fired.
func closedSignal(c <-chan *amqp.Error) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func (b *amqpBus) DeclareExchange(ctx context.Context, ex Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kind := strings.ToLower(strings.TrimSpace(ex.Kind))
	if kind == "" {
		kind = KindFanout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pub, err := b.channelLocked()
	if err != nil {
		return err
	}
	return pub.ExchangeDeclare(
		ex.Name, // name
		kind,    // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

func (b *amqpBus) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pub, err := b.channelLocked()
	if err != nil {
		return err
	}
	return pub.Publish(
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.Timestamp,
			AppId:        msg.Source,
			Body:         body,
		},
	)
}

func (b *amqpBus) Subscribe(ctx context.Context, bd Binding) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		bd.Queue, // name
		true,     // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", bd.Queue, err)
	}
	if err := ch.QueueBind(q.Name, bd.RoutingKey, bd.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue %s to %s: %w", q.Name, bd.Exchange, err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	in, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				d := Delivery{Exchange: raw.Exchange, RoutingKey: raw.RoutingKey, Redelivered: raw.Redelivered}
				if err := json.Unmarshal(raw.Body, &d.Message); err != nil {
					// Not an envelope we understand; never redeliver it.
					_ = raw.Nack(false, false)
					continue
				}
				tag := raw
				d.ack = func() error { return tag.Ack(false) }
				d.nack = func(requeue bool) error { return tag.Nack(false, requeue) }
				select {
				case out <- d:
				case <-ctx.Done():
					_ = raw.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *amqpBus) Close() error {
	b.mu.Lock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	b.mu.Unlock()
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}
