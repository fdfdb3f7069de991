// Package bus is the message bus used to publish audit results and feed repairs.
//
// Semantics follow AMQP: publishers write to a named exchange with a routing key,
// consumers read from a named queue bound to an exchange. Delivery is
// at-least-once; consumers must Ack after handling.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrClosed     = errors.New("bus closed")
	ErrNoExchange = errors.New("exchange not declared")
)

const (
	KindFanout = "fanout"
	KindDirect = "direct"
)

// Credentials locate and authenticate against a broker.
// Field names match the mq_* keys carried by audit/repair descriptors.
type Credentials struct {
	Host     string `json:"mq_host" yaml:"mq_host"`
	Port     int    `json:"mq_port" yaml:"mq_port"`
	User     string `json:"mq_user" yaml:"mq_user"`
	Password string `json:"mq_password" yaml:"mq_password"`
	VHost    string `json:"mq_vhost,omitempty" yaml:"mq_vhost,omitempty"`
}

// URL renders the credentials as an amqp:// URL. Missing parts get broker defaults.
func (c Credentials) URL() string {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 5672
	}
	u := url.URL{Scheme: "amqp", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if v := strings.TrimPrefix(c.VHost, "/"); v != "" {
		u.Path = "/" + v
	}
	return u.String()
}

// Message is the envelope every audit publishes.
type Message struct {
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message envelope.
func NewMessage(source string, ts time.Time, payload any) (Message, error) {
	m := Message{Source: source, Timestamp: ts}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload from %s: %w", source, err)
	}
	m.Payload = b
	return m, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Delivery is a received message plus its acknowledgement handle.
type Delivery struct {
	Message     Message
	Exchange    string
	RoutingKey  string
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

type Exchange struct {
	Name string
	Kind string
}

// Binding describes one consumer queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

type Bus interface {
	DeclareExchange(ctx context.Context, ex Exchange) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Subscribe declares and binds the queue, then streams deliveries until ctx is done.
	Subscribe(ctx context.Context, b Binding) (<-chan Delivery, error)
	Close() error
}

// Dialer hands out buses for descriptor credentials. Implementations cache connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Bus, error)
	Close() error
}

// Config selects the bus driver.
//
// Driver values:
//   - "memory": in-process bus (default; credentials ignored)
//   - "amqp": RabbitMQ via streadway/amqp
type Config struct {
	Driver string
	// URL overrides descriptor credentials for the amqp driver when set.
	URL      string
	Prefetch int
}

// Open returns the dialer for cfg.Driver.
func Open(cfg Config) (Dialer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemoryDialer(), nil
	case "amqp", "rabbitmq":
		return newAMQPDialer(cfg), nil
	default:
		return nil, errors.New("unknown bus driver: " + driver)
	}
}
