package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const memQueueBuffer = 256

// MemoryDialer hands out one shared in-process bus regardless of credentials.
type MemoryDialer struct {
	bus *MemoryBus
}

func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{bus: NewMemory()}
}

func (d *MemoryDialer) Dial(ctx context.Context, _ Credentials) (Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.bus, nil
}

// Bus exposes the shared bus (tests publish and subscribe through it directly).
func (d *MemoryDialer) Bus() *MemoryBus { return d.bus }

func (d *MemoryDialer) Close() error { return d.bus.Close() }

// MemoryBus is an in-process broker with AMQP-like exchange/queue routing.
//
// Contract:
//   - Publish blocks while a bound queue is full (bounded backpressure), until ctx is done.
//   - Queues are shared: concurrent subscribers on one queue compete for messages.
//   - Nack(true) puts the message back at the tail of its queue.
type MemoryBus struct {
	mu        sync.RWMutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	closed    bool
	done      chan struct{}
}

type memExchange struct {
	kind     string
	bindings []memBinding
}

type memBinding struct {
	key   string
	queue *memQueue
}

type memQueue struct {
	name string
	ch   chan Delivery
}

func NewMemory() *MemoryBus {
	return &MemoryBus{
		exchanges: map[string]*memExchange{},
		queues:    map[string]*memQueue{},
		done:      make(chan struct{}),
	}
}

func (b *MemoryBus) DeclareExchange(ctx context.Context, ex Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := strings.TrimSpace(ex.Name)
	if name == "" {
		return fmt.Errorf("exchange name required")
	}
	kind := strings.ToLower(strings.TrimSpace(ex.Kind))
	if kind == "" {
		kind = KindFanout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if cur, ok := b.exchanges[name]; ok {
		if cur.kind != kind {
			return fmt.Errorf("exchange %q already declared as %s", name, cur.kind)
		}
		return nil
	}
	b.exchanges[name] = &memExchange{kind: kind}
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	// Snapshot matching queues so Publish doesn't hold locks while sending.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		b.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNoExchange, exchange)
	}
	targets := make([]*memQueue, 0, len(ex.bindings))
	for _, bd := range ex.bindings {
		if ex.kind == KindFanout || bd.key == routingKey {
			targets = append(targets, bd.queue)
		}
	}
	b.mu.RUnlock()

	for _, q := range targets {
		d := b.newDelivery(q, msg, exchange, routingKey, false)
		select {
		case q.ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

func (b *MemoryBus) newDelivery(q *memQueue, msg Message, exchange, key string, redelivered bool) Delivery {
	d := Delivery{Message: msg, Exchange: exchange, RoutingKey: key, Redelivered: redelivered}
	var once sync.Once
	d.ack = func() error {
		once.Do(func() {})
		return nil
	}
	d.nack = func(requeue bool) error {
		settled := false
		once.Do(func() { settled = true })
		if !settled || !requeue {
			return nil
		}
		redo := b.newDelivery(q, msg, exchange, key, true)
		select {
		case q.ch <- redo:
			return nil
		default:
			return fmt.Errorf("requeue %s: queue full", q.name)
		}
	}
	return d
}

func (b *MemoryBus) Subscribe(ctx context.Context, bd Binding) (<-chan Delivery, error) {
	qname := strings.TrimSpace(bd.Queue)
	if qname == "" {
		return nil, fmt.Errorf("queue name required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ex, ok := b.exchanges[bd.Exchange]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoExchange, bd.Exchange)
	}
	q := b.queues[qname]
	if q == nil {
		q = &memQueue{name: qname, ch: make(chan Delivery, memQueueBuffer)}
		b.queues[qname] = q
	}
	bound := false
	for _, cur := range ex.bindings {
		if cur.queue == q && cur.key == bd.RoutingKey {
			bound = true
			break
		}
	}
	if !bound {
		ex.bindings = append(ex.bindings, memBinding{key: bd.RoutingKey, queue: q})
	}
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d := <-q.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					// Not handed to the consumer: keep it for the next subscriber.
					_ = d.Nack(true)
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// QueueLen reports the number of undelivered messages in a queue.
func (b *MemoryBus) QueueLen(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q := b.queues[queue]; q != nil {
		return len(q.ch)
	}
	return 0
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
