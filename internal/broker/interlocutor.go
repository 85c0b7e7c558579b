package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes events on queues of the topology.
type Publisher interface {
	Publish(ctx context.Context, q Queue, e *events.Event) error
	PublishWithKey(ctx context.Context, q Queue, key string, e *events.Event) error
}

// Interlocutor owns the broker connection of a process and the publish
// channels opened on it. It is created once at startup and passed to the
// components that publish or consume.
type Interlocutor struct {
	cfg     config.AMQPConfig
	conn    Connection
	logger  *slog.Logger
	metrics *Metrics

	mu              sync.RWMutex
	publishChannels map[string]*PublishChannel

	closeOnce sync.Once
	lost      chan struct{}
}

type options struct {
	dialer         Dialer
	metrics        *Metrics
	connectionName string
}

// Option configures Connect.
type Option func(*options)

// WithDialer replaces DialAMQP.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMetrics records broker metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConnectionName sets the name shown in the broker management UI.
func WithConnectionName(name string) Option {
	return func(o *options) { o.connectionName = name }
}

// Connect validates the topology and opens the connection. Transport failures
// are returned wrapped in ErrConnection and are not retried here.
func Connect(ctx context.Context, cfg config.AMQPConfig, logger *slog.Logger, opts ...Option) (*Interlocutor, error) {
	o := options{dialer: DialAMQP}
	if host, err := os.Hostname(); err == nil {
		o.connectionName = "datashare-" + host
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := ValidateTopology(Queues()); err != nil {
		return nil, fmt.Errorf("invalid queue topology: %w", err)
	}

	log := logger.With("component", "interlocutor", "host", cfg.Host, "port", cfg.Port)
	amqpCfg := amqp.Config{
		Heartbeat:  cfg.HeartbeatInterval(),
		Vhost:      cfg.VHost,
		Properties: amqp.NewConnectionProperties(),
	}
	amqpCfg.Properties.SetClientConnectionName(o.connectionName)

	conn, err := o.dialer(ctx, cfg.URI(), amqpCfg)
	if err != nil {
		log.Error("failed to connect to broker", "error", err)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrConnection, cfg.Host, cfg.Port, err)
	}

	i := &Interlocutor{
		cfg:             cfg,
		conn:            conn,
		logger:          log,
		metrics:         o.metrics,
		publishChannels: make(map[string]*PublishChannel),
		lost:            make(chan struct{}),
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			i.logger.Error("broker connection lost", "error", err)
		}
		close(i.lost)
	}()

	log.Info("connected to broker")
	return i, nil
}

// Lost is closed when the connection is closed, by Close or by the broker.
func (i *Interlocutor) Lost() <-chan struct{} {
	return i.lost
}

// Config returns the broker settings of the interlocutor.
func (i *Interlocutor) Config() config.AMQPConfig {
	return i.cfg
}

func (i *Interlocutor) openChannel() (Channel, error) {
	ch, err := i.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open channel: %w", ErrConnection, err)
	}
	return ch, nil
}

// CreateChannelForPublish declares q, enables publisher confirms and registers
// the channel for Publish. A second call for the same queue replaces (and
// closes) the previous channel.
func (i *Interlocutor) CreateChannelForPublish(q Queue) (*PublishChannel, error) {
	ch, err := i.openChannel()
	if err != nil {
		return nil, err
	}
	if _, err := declare(ch, q, declaration{deadLetter: i.cfg.DeadLetterEnabled}); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(i.cfg.MaxOutstandingMessages, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set qos on %s: %w", q.Name, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable confirms on %s: %w", q.Name, err)
	}

	pc := newPublishChannel(ch, q, i.cfg.MaxOutstandingMessages, i.cfg.RequeueDelayDuration(), i.metrics, i.logger)

	i.mu.Lock()
	previous := i.publishChannels[q.Name]
	i.publishChannels[q.Name] = pc
	i.mu.Unlock()

	if previous != nil {
		i.logger.Warn("replacing publish channel", "queue", q.Name)
		_ = previous.Close()
	}
	i.logger.Debug("publish channel created", "queue", q.Name)
	return pc, nil
}

// CreateAllPublishChannels registers a publish channel for every queue of qs.
func (i *Interlocutor) CreateAllPublishChannels(qs ...Queue) error {
	for _, q := range qs {
		if _, err := i.CreateChannelForPublish(q); err != nil {
			return err
		}
	}
	return nil
}

// CreateChannelForConsume declares q (suffixed by key when one is given) and
// returns a channel to consume it. The channel is not registered for Publish.
func (i *Interlocutor) CreateChannelForConsume(q Queue, key string) (*ConsumeChannel, error) {
	ch, err := i.openChannel()
	if err != nil {
		return nil, err
	}
	name, err := declare(ch, q, declaration{key: key, deadLetter: i.cfg.DeadLetterEnabled, consume: true})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(i.cfg.MaxOutstandingMessages, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set qos on %s: %w", name, err)
	}
	i.logger.Debug("consume channel created", "queue", name)
	return &ConsumeChannel{channel: newChannel(ch, q, i.logger), queueName: name}, nil
}

// NewConsumer declares q for consumption and wraps it in a Consumer.
func (i *Interlocutor) NewConsumer(q Queue, key string, opts ...ConsumerOption) (*Consumer, error) {
	ch, err := i.CreateChannelForConsume(q, key)
	if err != nil {
		return nil, err
	}
	opts = append([]ConsumerOption{WithConsumerMetrics(i.metrics)}, opts...)
	return NewConsumer(ch, i.logger, opts...), nil
}

// PublishChannel returns the channel registered for q.
func (i *Interlocutor) PublishChannel(q Queue) (*PublishChannel, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	pc, ok := i.publishChannels[q.Name]
	if !ok {
		return nil, &UnknownChannelError{Queue: q.Name}
	}
	return pc, nil
}

// Publish sends e through the channel registered for q.
func (i *Interlocutor) Publish(ctx context.Context, q Queue, e *events.Event) error {
	return i.PublishWithKey(ctx, q, "", e)
}

// PublishWithKey sends e through the channel registered for q with the
// routing key of q suffixed by key.
func (i *Interlocutor) PublishWithKey(ctx context.Context, q Queue, key string, e *events.Event) error {
	pc, err := i.PublishChannel(q)
	if err != nil {
		return err
	}
	return pc.PublishWithKey(ctx, key, e)
}

// DeleteQueues deletes the queues and returns how many messages were purged.
func (i *Interlocutor) DeleteQueues(qs ...Queue) (int, error) {
	ch, err := i.openChannel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	purged := 0
	for _, q := range qs {
		n, err := ch.QueueDelete(q.Name, false, false, false)
		if err != nil {
			return purged, fmt.Errorf("failed to delete queue %s: %w", q.Name, err)
		}
		purged += n
	}
	return purged, nil
}

// Close closes every publish channel then the connection. Only the first call
// does anything.
func (i *Interlocutor) Close() error {
	var closeErr error
	i.closeOnce.Do(func() {
		i.mu.Lock()
		channels := i.publishChannels
		i.publishChannels = make(map[string]*PublishChannel)
		i.mu.Unlock()

		for _, pc := range channels {
			_ = pc.Close()
		}

		if i.conn.IsClosed() {
			i.logger.Info("connection already closed")
			return
		}
		if err := i.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			i.logger.Error("failed to close connection", "error", err)
			closeErr = fmt.Errorf("failed to close broker connection: %w", err)
			return
		}
		i.logger.Info("broker connection closed")
	})
	return closeErr
}
