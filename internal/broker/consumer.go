package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Decoder turns a delivery body into an event.
type Decoder func(body []byte) (*events.Event, error)

// Consumer runs a deliver-then-acknowledge loop on a ConsumeChannel.
// Deliveries of one consumer are handled one at a time.
type Consumer struct {
	channel *ConsumeChannel
	decode  Decoder
	logger  *slog.Logger
	metrics *Metrics

	tag  atomic.Pointer[string]
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDecoder replaces events.Unmarshal as the body decoder.
func WithDecoder(d Decoder) ConsumerOption {
	return func(c *Consumer) { c.decode = d }
}

// WithConsumerMetrics records delivery outcomes on m.
func WithConsumerMetrics(m *Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer creates a consumer of ch. It is not subscribed until Consume.
func NewConsumer(ch *ConsumeChannel, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		channel: ch,
		decode:  events.Unmarshal,
		logger:  logger.With("component", "consumer", "queue", ch.QueueName()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume subscribes to the queue and handles every delivery with handler
// until the consumer is cancelled, ctx is done or the channel closes.
func (c *Consumer) Consume(ctx context.Context, handler events.EventHandler) error {
	return c.ConsumeN(ctx, handler, 0)
}

// ConsumeN is Consume that cancels the subscription by itself once maxEvents
// deliveries were handled. A maxEvents of 0 means no limit.
func (c *Consumer) ConsumeN(ctx context.Context, handler events.EventHandler, maxEvents int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tag.Load() != nil {
		return ErrAlreadyConsuming
	}

	tag := "ctag-" + uuid.NewString()
	deliveries, err := c.channel.ch.Consume(c.channel.QueueName(), tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.channel.QueueName(), err)
	}
	owned := &tag
	c.tag.Store(owned)
	done := make(chan struct{})
	c.done = done
	c.err = nil

	c.logger.Info("consumer subscribed", "consumer_tag", tag, "max_events", maxEvents)
	go c.loop(ctx, owned, deliveries, handler, maxEvents, done)
	return nil
}

// loop serves the subscription identified by tag. A later subscription of
// the same consumer holds a different tag, so this loop only ever cancels or
// clears its own.
func (c *Consumer) loop(ctx context.Context, tag *string, deliveries <-chan amqp.Delivery, handler events.EventHandler, maxEvents int, done chan struct{}) {
	var loopErr error
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.err = loopErr
		}
		c.mu.Unlock()
		close(done)
	}()

	stop := func(reason string) {
		if err := c.cancel(tag); err != nil {
			c.logger.Warn("failed to cancel consumer", "reason", reason, "error", err)
		}
		c.requeueRemaining(deliveries)
	}

	handled := 0
	for {
		select {
		case <-ctx.Done():
			stop("context done")
			return
		case d, ok := <-deliveries:
			if !ok {
				if c.tag.CompareAndSwap(tag, nil) {
					loopErr = ErrChannelClosed
					c.logger.Error("delivery stream closed while subscribed", "consumer_tag", *tag)
				}
				return
			}
			if c.tag.Load() != tag {
				// delivered before the cancel reached the broker
				c.settle(d, outcomeRequeue)
				continue
			}
			if err := c.dispatch(ctx, d, handler); err != nil {
				loopErr = err
				stop("fatal handler error")
				return
			}
			handled++
			if maxEvents > 0 && handled >= maxEvents {
				stop("max events")
				return
			}
		}
	}
}

// requeueRemaining hands back the deliveries buffered before the
// cancellation took effect. The stream is closed once the cancel is confirmed.
func (c *Consumer) requeueRemaining(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.settle(d, outcomeRequeue)
	}
}

// dispatch handles and settles one delivery. It returns the handler error
// only when it is a FatalError, after requeueing the delivery.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handler events.EventHandler) error {
	log := c.logger.With("delivery_tag", d.DeliveryTag)

	event, err := c.decode(d.Body)
	if err != nil {
		log.Error("failed to deserialize delivery", "error", err, "body", string(d.Body))
		c.settle(d, outcomeReject)
		return nil
	}

	if id, ok := event.TaskID(); ok {
		log = log.With("task_id", id)
	}
	err = c.handle(logger.WithLogger(ctx, log), handler, event)
	if err == nil {
		c.settle(d, outcomeAck)
		return nil
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		log.Error("handler failed fatally, requeueing delivery and stopping", "event_kind", event.Kind(), "error", err)
		c.settle(d, outcomeRequeue)
		return fatalErr
	}
	var nackErr *NackError
	if errors.As(err, &nackErr) && nackErr.Requeue {
		log.Warn("handler failed, requeueing delivery", "event_kind", event.Kind(), "error", err)
		c.settle(d, outcomeRequeue)
		return nil
	}
	log.Error("handler failed, rejecting delivery", "event_kind", event.Kind(), "error", err)
	c.settle(d, outcomeReject)
	return nil
}

// handle runs the handler, turning a panic into a non-retryable error.
func (c *Consumer) handle(ctx context.Context, handler events.EventHandler, event *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}

func (c *Consumer) settle(d amqp.Delivery, outcome string) {
	var err error
	switch outcome {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery", "delivery_tag", d.DeliveryTag, "outcome", outcome, "error", err)
		return
	}
	c.metrics.delivered(c.channel.QueueName(), outcome)
}

// Cancel stops the subscription. Deliveries already being handled run to
// completion. Calling Cancel on a cancelled consumer does nothing.
func (c *Consumer) Cancel() error {
	tag := c.tag.Load()
	if tag == nil {
		return nil
	}
	return c.cancel(tag)
}

// cancel cancels the subscription of tag if it is still the active one.
func (c *Consumer) cancel(tag *string) error {
	if !c.tag.CompareAndSwap(tag, nil) {
		return nil
	}
	c.logger.Info("cancelling consumer", "consumer_tag", *tag)
	if err := c.channel.ch.Cancel(*tag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", *tag, err)
	}
	return nil
}

// IsCanceled reports whether no subscription is active.
func (c *Consumer) IsCanceled() bool {
	return c.tag.Load() == nil
}

// Shutdown cancels the subscription if needed and closes the channel.
func (c *Consumer) Shutdown() error {
	if err := c.Cancel(); err != nil {
		c.logger.Error("failed to cancel consumer during shutdown", "error", err)
	}
	return c.channel.Close()
}

// IsClosed reports whether the channel of the consumer is closed.
func (c *Consumer) IsClosed() bool {
	return c.channel.IsClosed()
}

// WaitUntilClosed blocks until the channel of the consumer is closed or ctx is done.
func (c *Consumer) WaitUntilClosed(ctx context.Context) error {
	return c.channel.WaitUntilClosed(ctx)
}

// Done is closed when the delivery loop started by the last Consume returns.
// It is nil before the first Consume.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns ErrChannelClosed when the loop ended because the broker closed
// the delivery stream, the *FatalError of a handler that stopped it, nil
// otherwise.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the delivery loop returns or ctx is done and returns Err.
func (c *Consumer) Wait(ctx context.Context) error {
	done := c.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
