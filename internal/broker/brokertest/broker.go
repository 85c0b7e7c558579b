// Package brokertest provides an in-memory AMQP broker implementing the
// broker.Connection and broker.Channel interfaces. It routes messages through
// direct and fanout exchanges, redelivers requeued messages, dead-letters
// rejected ones, honours x-max-length and emits publisher confirms.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publication is a message accepted by an exchange.
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type binding struct {
	queue    string
	key      string
	exchange string
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag     string
	queue   *queue
	ch      *Channel
	out     chan amqp.Delivery
	removed bool
}

type unacked struct {
	queue *queue
	msg   message
	ch    *Channel
}

// Broker is the shared state of every connection dialed from it.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	unacked   map[uint64]unacked
	nextTag   uint64
	published []Publication
	conns     []*Conn

	// DialErr is returned by Dial when set.
	DialErr error
	// ManualConfirms disables automatic publisher confirms.
	ManualConfirms bool
	// NackPublishes makes automatic confirms negative.
	NackPublishes bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		unacked:   make(map[uint64]unacked),
	}
}

// Dial is a broker.Dialer.
func (b *Broker) Dial(_ context.Context, _ string, _ amqp.Config) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Published returns every message accepted by an exchange, in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

// QueueNames returns the declared queue names.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// QueueArgs returns the declaration arguments of a queue.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// ExchangeKind returns the type of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// Ready returns the bodies of the messages waiting in a queue.
func (b *Broker) Ready(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	bodies := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		bodies = append(bodies, m.pub.Body)
	}
	return bodies
}

// Unacked returns the number of delivered but not settled messages.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Channels returns every channel opened on the broker, in opening order.
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	var channels []*Channel
	for _, c := range conns {
		c.mu.Lock()
		channels = append(channels, c.channels...)
		c.mu.Unlock()
	}
	return channels
}

// DropConnections closes every connection and channel with a broker error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "connection forced", Server: true})
	}
}

// route must be called with b.mu held.
func (b *Broker) route(exchange, key string, m message) error {
	kind, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}
	for _, bd := range b.bindings {
		if bd.exchange != exchange {
			continue
		}
		if kind == amqp.ExchangeDirect && bd.key != key {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			q.ready = append(q.ready, m)
			if limit, ok := maxLength(q.args); ok && len(q.ready) > limit {
				// drop-head overflow
				q.ready = q.ready[len(q.ready)-limit:]
			}
			b.dispatch(q)
		}
	}
	return nil
}

func maxLength(args amqp.Table) (int, bool) {
	switch v := args["x-max-length"].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	}
	return 0, false
}

// dispatch must be called with b.mu held.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		m := q.ready[0]

		b.nextTag++
		tag := b.nextTag
		d := amqp.Delivery{
			Acknowledger: c.ch,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.routingKey,
			ContentType:  m.pub.ContentType,
			DeliveryMode: m.pub.DeliveryMode,
			MessageId:    m.pub.MessageId,
			Timestamp:    m.pub.Timestamp,
			Type:         m.pub.Type,
			Headers:      m.pub.Headers,
			Body:         m.pub.Body,
		}
		select {
		case c.out <- d:
			q.ready = q.ready[1:]
			b.unacked[tag] = unacked{queue: q, msg: m, ch: c.ch}
		default:
			// consumer buffer full, keep the message ready
			b.nextTag--
			return
		}
	}
}

// settle must be called with b.mu held.
func (b *Broker) settle(tag uint64, requeue bool) error {
	u, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	if requeue {
		m := u.msg
		m.redelivered = true
		u.queue.ready = append([]message{m}, u.queue.ready...)
		b.dispatch(u.queue)
		return nil
	}
	if dlx, ok := u.queue.args["x-dead-letter-exchange"].(string); ok {
		key, _ := u.queue.args["x-dead-letter-routing-key"].(string)
		if key == "" {
			key = u.msg.routingKey
		}
		return b.route(dlx, key, u.msg)
	}
	return nil
}

// Conn is an in-memory broker.Connection.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel opens a channel.
func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{broker: c.broker, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for the connection closure.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes every channel then the connection.
func (c *Conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := append([]*Channel(nil), c.channels...)
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// Channel is an in-memory broker.Channel and amqp.Acknowledger.
type Channel struct {
	broker *Broker
	conn   *Conn

	mu             sync.Mutex
	closed         bool
	confirming     bool
	seq            uint64
	confirmQ       chan amqp.Confirmation
	confirms       []chan amqp.Confirmation
	notify         []chan *amqp.Error
	consumers      map[string]*consumer
	prefetch       int
	CloseErr       error
	PublishErr     error
	CancelCount    int
	DeclaredQueues []string
}

var (
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// ExchangeDeclare declares an exchange. Redeclaring with another type fails.
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type' for exchange " + name}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare declares a queue.
func (ch *Channel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, args: args}
		b.queues[name] = q
	}
	declared := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	b.mu.Unlock()

	ch.mu.Lock()
	ch.DeclaredQueues = append(ch.DeclaredQueues, name)
	ch.mu.Unlock()
	return declared, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return fmt.Errorf("no queue %q", name)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}
	for _, bd := range b.bindings {
		if bd == (binding{queue: name, key: key, exchange: exchange}) {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

// QueueDelete deletes a queue and returns the number of ready messages it held.
func (ch *Channel) QueueDelete(name string, _, _, _ bool) (int, error) {
	if ch.isClosed() {
		return 0, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
	return len(q.ready), nil
}

// Qos records the prefetch count.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the prefetch count set by Qos.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Confirm puts the channel in confirm mode.
func (ch *Channel) Confirm(_ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.confirming {
		return nil
	}
	ch.confirming = true
	ch.seq = 1
	ch.confirmQ = make(chan amqp.Confirmation, 4096)
	go ch.pumpConfirms(ch.confirmQ)
	return nil
}

// pumpConfirms forwards confirms to the listeners in publish order and closes
// them once the channel is closed.
func (ch *Channel) pumpConfirms(q chan amqp.Confirmation) {
	for c := range q {
		ch.mu.Lock()
		listeners := append([]chan amqp.Confirmation(nil), ch.confirms...)
		ch.mu.Unlock()
		for _, l := range listeners {
			l <- c
		}
	}
	ch.mu.Lock()
	listeners := ch.confirms
	ch.confirms = nil
	ch.mu.Unlock()
	for _, l := range listeners {
		close(l)
	}
}

// SendConfirm sends a publisher confirm as the broker would. Used with ManualConfirms.
func (ch *Channel) SendConfirm(seq uint64, ack bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.confirmQ == nil {
		return
	}
	ch.confirmQ <- amqp.Confirmation{DeliveryTag: seq, Ack: ack}
}

// NotifyPublish registers a confirm listener.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyClose registers a closure listener.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// GetNextPublishSeqNo returns the sequence number of the next publish.
func (ch *Channel) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq
}

// PublishWithContext routes msg through exchange.
func (ch *Channel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	if ch.PublishErr != nil {
		ch.mu.Unlock()
		return ch.PublishErr
	}
	defer ch.mu.Unlock()
	seq := ch.seq
	if ch.confirming {
		ch.seq++
	}

	b := ch.broker
	b.mu.Lock()
	b.published = append(b.published, Publication{Exchange: exchange, RoutingKey: key, Msg: msg})
	err := b.route(exchange, key, message{exchange: exchange, routingKey: key, pub: msg})
	manual, nack := b.ManualConfirms, b.NackPublishes
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if ch.confirming && !manual {
		ch.confirmQ <- amqp.Confirmation{DeliveryTag: seq, Ack: !nack}
	}
	return nil
}

// Consume subscribes to a queue.
func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queueName}
	}
	c := &consumer{tag: tag, queue: q, ch: ch, out: make(chan amqp.Delivery, 256)}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*consumer)
	}
	ch.consumers[tag] = c
	ch.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if c.removed {
		return c.out, nil
	}
	q.consumers = append(q.consumers, c)
	b.dispatch(q)
	return c.out, nil
}

// Cancel stops a subscription and closes its delivery stream.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.CancelCount++
	c, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()
	if !ok {
		return nil
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	removeConsumer(c)
	return nil
}

// removeConsumer must be called with the broker lock held.
func removeConsumer(c *consumer) {
	if c.removed {
		return
	}
	c.removed = true
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.out)
}

// Cancels returns how many times Cancel reached the channel.
func (ch *Channel) Cancels() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.CancelCount
}

// Close closes the channel, requeueing its unacked deliveries.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	closeErr := ch.CloseErr
	alreadyClosed := ch.closed
	ch.mu.Unlock()
	if alreadyClosed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return closeErr
}

// CloseWithError simulates the broker closing the channel.
func (ch *Channel) CloseWithError(reason *amqp.Error) {
	ch.shutdown(reason)
}

func (ch *Channel) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	var confirms []chan amqp.Confirmation
	if ch.confirmQ != nil {
		close(ch.confirmQ)
	} else {
		confirms = ch.confirms
		ch.confirms = nil
	}
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	for _, c := range consumers {
		removeConsumer(c)
	}
	var requeued []*queue
	for tag, u := range b.unacked {
		if u.ch != ch {
			continue
		}
		delete(b.unacked, tag)
		m := u.msg
		m.redelivered = true
		u.queue.ready = append([]message{m}, u.queue.ready...)
		requeued = append(requeued, u.queue)
	}
	for _, q := range requeued {
		b.dispatch(q)
	}
	b.mu.Unlock()

	for _, c := range confirms {
		close(c)
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	return ch.isClosed()
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unacked[tag]; !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.unacked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settle(tag, requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}
