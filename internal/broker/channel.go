package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/google/btree"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the state shared by publish and consume channels.
type channel struct {
	ch        Channel
	queue     Queue
	logger    *slog.Logger
	closeOnce sync.Once
	markOnce  sync.Once
	closed    chan struct{}
}

func newChannel(ch Channel, q Queue, logger *slog.Logger) *channel {
	c := &channel{
		ch:     ch,
		queue:  q,
		logger: logger,
		closed: make(chan struct{}),
	}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			c.logger.Warn("channel closed by broker", "queue", q.Name, "error", err)
		}
		c.markClosed()
	}()
	return c
}

func (c *channel) markClosed() {
	c.markOnce.Do(func() { close(c.closed) })
}

// IsClosed reports whether the underlying channel is closed.
func (c *channel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return c.ch.IsClosed()
	}
}

// Close closes the underlying channel if it is open. A failure to close,
// timeouts included, is logged and the channel is considered closed anyway.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		defer c.markClosed()
		if c.ch.IsClosed() {
			c.logger.Debug("channel already closed", "queue", c.queue.Name)
			return
		}
		if err := c.ch.Close(); err != nil {
			c.logger.Error("failed to close channel", "queue", c.queue.Name, "error", err)
		}
	})
	return nil
}

// WaitUntilClosed blocks until the channel is closed or ctx is done.
func (c *channel) WaitUntilClosed(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingConfirm struct {
	seq  uint64
	body []byte
}

func lessPending(a, b pendingConfirm) bool {
	return a.seq < b.seq
}

// PublishChannel publishes events on one queue of the topology and keeps the
// bodies of unconfirmed messages ordered by sequence number.
type PublishChannel struct {
	*channel

	mu           sync.Mutex
	outstanding  *btree.BTreeG[pendingConfirm]
	drained      *sync.Cond
	metrics      *Metrics
	requeueDelay time.Duration
}

func newPublishChannel(ch Channel, q Queue, bufferSize int, requeueDelay time.Duration, metrics *Metrics, logger *slog.Logger) *PublishChannel {
	pc := &PublishChannel{
		channel:      newChannel(ch, q, logger),
		outstanding:  btree.NewG(16, lessPending),
		metrics:      metrics,
		requeueDelay: requeueDelay,
	}
	pc.drained = sync.NewCond(&pc.mu)

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, bufferSize))
	go pc.listenConfirms(confirms)
	return pc
}

func (p *PublishChannel) listenConfirms(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		p.HandleConfirm(c.DeliveryTag, false, c.Ack)
	}
	p.mu.Lock()
	p.drained.Broadcast()
	p.mu.Unlock()
}

// Publish sends e on the queue routing key.
func (p *PublishChannel) Publish(ctx context.Context, e *events.Event) error {
	return p.PublishWithKey(ctx, "", e)
}

// PublishWithKey sends e with the queue routing key suffixed by key and records
// its body until the broker confirms it.
func (p *PublishChannel) PublishWithKey(ctx context.Context, key string, e *events.Event) error {
	body, err := events.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize %s event: %w", e.Kind(), err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.CreationDate,
		Type:         string(e.Kind()),
		Headers: amqp.Table{
			"x-ttl":           int32(e.TTL),
			"x-requeue-delay": p.requeueDelay.Milliseconds(),
		},
		Body: body,
	}

	// seq must be read and used under the same lock as the publish itself
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.ch.GetNextPublishSeqNo()
	p.outstanding.ReplaceOrInsert(pendingConfirm{seq: seq, body: body})
	if err := p.ch.PublishWithContext(ctx, p.queue.Exchange, p.queue.RoutingKeyFor(key), false, false, msg); err != nil {
		p.outstanding.Delete(pendingConfirm{seq: seq})
		return fmt.Errorf("failed to publish %s event on %s: %w", e.Kind(), p.queue.Name, err)
	}
	p.metrics.publishedEvent(p.queue.Name)
	p.metrics.setOutstanding(p.queue.Name, p.outstanding.Len())
	return nil
}

// HandleConfirm removes the confirmed entries: every sequence up to seq when
// multiple is set, only seq otherwise. Negatively confirmed bodies are logged
// once each before removal; they are not republished.
func (p *PublishChannel) HandleConfirm(seq uint64, multiple, ack bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []pendingConfirm
	if multiple {
		for {
			first, ok := p.outstanding.Min()
			if !ok || first.seq > seq {
				break
			}
			p.outstanding.DeleteMin()
			removed = append(removed, first)
		}
	} else if item, ok := p.outstanding.Delete(pendingConfirm{seq: seq}); ok {
		removed = append(removed, item)
	}

	if ack {
		p.metrics.confirmed(p.queue.Name, outcomeAck, len(removed))
	} else {
		for _, item := range removed {
			p.logger.Error("message has been nack-ed",
				"queue", p.queue.Name,
				"body", string(item.body),
				"sequence_number", item.seq,
				"multiple", multiple)
		}
		p.metrics.confirmed(p.queue.Name, outcomeNack, len(removed))
	}

	p.metrics.setOutstanding(p.queue.Name, p.outstanding.Len())
	if p.outstanding.Len() == 0 {
		p.drained.Broadcast()
	}
}

// Outstanding returns the number of unconfirmed messages.
func (p *PublishChannel) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding.Len()
}

// OutstandingSequences returns the unconfirmed sequence numbers in order.
func (p *PublishChannel) OutstandingSequences() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seqs := make([]uint64, 0, p.outstanding.Len())
	p.outstanding.Ascend(func(item pendingConfirm) bool {
		seqs = append(seqs, item.seq)
		return true
	})
	return seqs
}

// WaitForConfirms blocks until every published message is confirmed, the
// channel is closed, or ctx is done.
func (p *PublishChannel) WaitForConfirms(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.drained.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.outstanding.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.IsClosed() {
			return ErrChannelClosed
		}
		p.drained.Wait()
	}
	return nil
}

// Close closes the channel and wakes up WaitForConfirms callers.
func (p *PublishChannel) Close() error {
	err := p.channel.Close()
	p.mu.Lock()
	p.drained.Broadcast()
	p.mu.Unlock()
	return err
}

// ConsumeChannel is a channel on which a queue was declared for consumption.
type ConsumeChannel struct {
	*channel
	queueName string
}

// QueueName returns the name of the declared queue.
func (c *ConsumeChannel) QueueName() string {
	return c.queueName
}
