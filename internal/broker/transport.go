package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Connection is the subset of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to the broker.
type Dialer func(ctx context.Context, uri string, cfg amqp.Config) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialTimeout bounds the TCP dial and the protocol handshake of DialAMQP,
// unless ctx has an earlier deadline.
const DialTimeout = 30 * time.Second

// DialAMQP dials a real broker. The TCP dial honours ctx and the handshake
// must complete before the ctx deadline or DialTimeout.
func DialAMQP(ctx context.Context, uri string, cfg amqp.Config) (Connection, error) {
	cfg.Dial = handshakeDial(ctx, DialTimeout)
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// handshakeDial returns a dial function whose connections carry a deadline.
// amqp091 clears it once the connection is open, as its DefaultDial does.
func handshakeDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		dialer := net.Dialer{Deadline: deadline}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
