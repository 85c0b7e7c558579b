package broker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeType is the routing discipline of an exchange.
type ExchangeType string

// Exchange types used by the topology.
const (
	Direct ExchangeType = amqp.ExchangeDirect
	Fanout ExchangeType = amqp.ExchangeFanout
)

// Queue is an entry of the fixed topology.
type Queue struct {
	Name       string
	Exchange   string
	Kind       ExchangeType
	RoutingKey string
	DeadLetter *Queue
	// Arguments are added to the queue declaration.
	Arguments amqp.Table
}

// The topology. Renaming an entry requires recreating it on the broker.
var (
	TaskDLQ = Queue{
		Name:       "TASK_DLQ",
		Exchange:   "exchangeDLQTasks",
		Kind:       Direct,
		RoutingKey: "routingKeyDLQTasks",
	}
	TaskQueue = Queue{
		Name:       "TASK",
		Exchange:   "exchangeMainTasks",
		Kind:       Direct,
		RoutingKey: "routingKeyMainTasks",
		DeadLetter: &TaskDLQ,
	}
	ManagerEventDLQ = Queue{
		Name:       "MANAGER_EVENT_DLQ",
		Exchange:   "exchangeDLQManagerEvents",
		Kind:       Direct,
		RoutingKey: "routingKeyDLQManagerEvents",
	}
	ManagerEventQueue = Queue{
		Name:       "MANAGER_EVENT",
		Exchange:   "exchangeManagerEvents",
		Kind:       Direct,
		RoutingKey: "routingKeyManagerEvents",
		DeadLetter: &ManagerEventDLQ,
	}
	WorkerEventQueue = Queue{
		Name:     "WORKER_EVENT",
		Exchange: "exchangeWorkerEvents",
		Kind:     Fanout,
	}
	// Nothing consumes health pings, only the latest one is kept.
	MonitoringQueue = Queue{
		Name:       "MONITORING",
		Exchange:   "exchangeMonitoring",
		Kind:       Direct,
		RoutingKey: "routingKeyMonitoring",
		Arguments: amqp.Table{
			"x-max-length":  int32(1),
			"x-message-ttl": int32(60_000),
		},
	}
)

// Queues returns every entry of the topology.
func Queues() []Queue {
	return []Queue{TaskDLQ, TaskQueue, ManagerEventDLQ, ManagerEventQueue, WorkerEventQueue, MonitoringQueue}
}

// ValidateTopology checks that every dead-letter target is itself declared
// in queues and that following dead-letter targets never loops.
func ValidateTopology(queues []Queue) error {
	declared := make(map[string]bool, len(queues))
	for _, q := range queues {
		declared[q.Name] = true
	}
	for _, q := range queues {
		seen := map[string]bool{q.Name: true}
		for dl := q.DeadLetter; dl != nil; dl = dl.DeadLetter {
			if !declared[dl.Name] {
				return fmt.Errorf("%w: %s (dead-letter of %s)", ErrUndeclaredDeadLetter, dl.Name, q.Name)
			}
			if seen[dl.Name] {
				return fmt.Errorf("%w: %s", ErrDeadLetterCycle, q.Name)
			}
			seen[dl.Name] = true
		}
	}
	return nil
}

// QueueName returns the name of the queue, suffixed by key when one is given.
func (q Queue) QueueName(key string) string {
	if key == "" {
		return q.Name
	}
	return q.Name + "." + key
}

// RoutingKeyFor returns the routing key of the queue, suffixed by key when one is given.
func (q Queue) RoutingKeyFor(key string) string {
	if key == "" {
		return q.RoutingKey
	}
	if q.RoutingKey == "" {
		return key
	}
	return q.RoutingKey + "." + key
}

// SubscriberName returns the name of the exclusive queue a fanout
// subscriber declares: <name>-worker-<host>-<uuid8>.
func (q Queue) SubscriberName() string {
	return fmt.Sprintf("%s-worker-%s-%s", q.Name, hostname(), uuid.NewString()[:8])
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func (q Queue) declarationArgs(deadLetter bool) amqp.Table {
	if len(q.Arguments) == 0 && (!deadLetter || q.DeadLetter == nil) {
		return nil
	}
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	if deadLetter && q.DeadLetter != nil {
		args["x-dead-letter-exchange"] = q.DeadLetter.Exchange
		args["x-dead-letter-routing-key"] = q.DeadLetter.RoutingKey
	}
	return args
}

type declaration struct {
	key        string
	deadLetter bool
	consume    bool
}

// declare declares the exchange of q and, unless q is a fanout declared for
// publishing only, a queue bound to it. Dead-letter targets are declared first.
// It returns the name of the declared queue.
func declare(ch Channel, q Queue, d declaration) (string, error) {
	if d.deadLetter && q.DeadLetter != nil {
		if _, err := declare(ch, *q.DeadLetter, declaration{deadLetter: true, consume: true}); err != nil {
			return "", err
		}
	}

	if err := ch.ExchangeDeclare(q.Exchange, string(q.Kind), true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare exchange %s: %w", q.Exchange, err)
	}
	if q.Kind == Fanout && !d.consume {
		return "", nil
	}

	name, durable, autoDelete, exclusive := q.QueueName(d.key), true, false, false
	if q.Kind == Fanout {
		// every fanout subscriber gets its own copy of the messages
		name = q.SubscriberName()
		durable, autoDelete, exclusive = false, true, true
	}

	if _, err := ch.QueueDeclare(name, durable, autoDelete, exclusive, false, q.declarationArgs(d.deadLetter)); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, q.RoutingKeyFor(d.key), q.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s to %s: %w", name, q.Exchange, err)
	}
	return name, nil
}
