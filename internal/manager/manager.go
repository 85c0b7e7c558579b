package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/lifecycle"
	"github.com/ICIJ/datashare-sub004/internal/progress"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
)

var (
	// ErrTaskRunning is returned when clearing a task that is still running.
	ErrTaskRunning = errors.New("task is running")
	// ErrMissingTaskName is returned when starting a task without a name.
	ErrMissingTaskName = errors.New("task name is required")
)

// Broker is the part of the broker interlocutor used by the manager.
type Broker interface {
	broker.Publisher
	NewConsumer(q broker.Queue, key string, opts ...broker.ConsumerOption) (*broker.Consumer, error)
}

// Queues the manager publishes to. A publish channel must be registered on
// the broker for each of them.
func Queues() []broker.Queue {
	return []broker.Queue{broker.TaskQueue, broker.ManagerEventQueue, broker.WorkerEventQueue, broker.MonitoringQueue}
}

// Manager submits tasks to workers and keeps the task store up to date with
// what they report.
type Manager struct {
	broker   Broker
	tasks    store.TaskStore
	status   *lifecycle.StatusStore
	progress *progress.Aggregator
	emitter  *events.InMemoryEventEmitter
	cfg      config.WorkerConfig
	logger   *slog.Logger
}

// New creates a manager projecting events into tasks.
func New(b Broker, tasks store.TaskStore, cfg config.WorkerConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		broker:   b,
		tasks:    tasks,
		status:   lifecycle.NewStatusStore(tasks, logger),
		progress: progress.NewAggregator(),
		emitter:  events.NewInMemoryEventEmitter(logger),
		cfg:      cfg,
		logger:   logger.With("component", "task_manager"),
	}
	m.emitter.RegisterHandler(m.status)
	m.emitter.RegisterHandler(events.HandlerFunc(m.recordProgress))
	return m
}

// StartTask creates a queued task and hands it to the workers. The creation
// is published on the manager queue first so the projection exists before
// any worker report.
func (m *Manager) StartTask(ctx context.Context, name, user string, args map[string]any) (*task.Task, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingTaskName
	}
	t := task.New(name, user, args)
	creation := events.NewCreationEvent(t).WithTTL(m.cfg.TaskTTL)

	if err := m.broker.Publish(ctx, broker.ManagerEventQueue, creation); err != nil {
		return nil, fmt.Errorf("failed to record task %s: %w", t.ID, err)
	}
	if err := m.broker.PublishWithKey(ctx, broker.TaskQueue, m.cfg.RoutingKey, creation); err != nil {
		return nil, fmt.Errorf("failed to submit task %s: %w", t.ID, err)
	}
	m.logger.Info("task submitted", "task_id", t.ID, "task_name", name, "user", user, "ttl", creation.TTL)
	return t, nil
}

// StopTask asks every worker to cancel the task. It returns false when the
// task is unknown or already done.
func (m *Manager) StopTask(ctx context.Context, id string, requeue bool) (bool, error) {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	if t.State.IsFinal() {
		return false, nil
	}
	if err := m.broker.Publish(ctx, broker.WorkerEventQueue, events.NewCancelEvent(id, requeue)); err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	m.logger.Info("task cancellation requested", "task_id", id, "requeue", requeue)
	return true, nil
}

// StopAllTasks cancels every task that is not done and returns their ids.
func (m *Manager) StopAllTasks(ctx context.Context) ([]string, error) {
	pending, err := m.tasks.List(ctx, store.TaskFilter{States: []task.State{task.StateQueued, task.StateRunning}})
	if err != nil {
		return nil, err
	}
	stopped := make([]string, 0, len(pending))
	for _, t := range pending {
		ok, err := m.StopTask(ctx, t.ID, false)
		if err != nil {
			return stopped, err
		}
		if ok {
			stopped = append(stopped, t.ID)
		}
	}
	return stopped, nil
}

// GetTask returns the stored projection of a task.
func (m *Manager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return m.tasks.Get(ctx, id)
}

// ListTasks returns the tasks matching filter, oldest first.
func (m *Manager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*task.Task, error) {
	return m.tasks.List(ctx, filter)
}

// ClearTask removes a task that is not running.
func (m *Manager) ClearTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == task.StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	if err := m.tasks.Delete(ctx, id); err != nil {
		return nil, err
	}
	m.logger.Info("task cleared", "task_id", id)
	return t, nil
}

// ClearDoneTasks removes every task in a final state and returns them.
func (m *Manager) ClearDoneTasks(ctx context.Context) ([]*task.Task, error) {
	done, err := m.tasks.List(ctx, store.TaskFilter{States: []task.State{task.StateSuccess, task.StateFailure, task.StateCancelled}})
	if err != nil {
		return nil, err
	}
	for i, t := range done {
		if err := m.tasks.Delete(ctx, t.ID); err != nil && !store.IsNotFoundError(err) {
			return done[:i], err
		}
	}
	m.logger.Info("done tasks cleared", "count", len(done))
	return done, nil
}

// RunProgress returns the aggregated progress of a composite run.
func (m *Manager) RunProgress(runID string) float64 {
	return m.progress.Progress(runID)
}

// Health reports whether the broker accepts a monitoring ping.
func (m *Manager) Health(ctx context.Context) bool {
	host, _ := os.Hostname()
	if err := m.broker.Publish(ctx, broker.MonitoringQueue, events.New(events.MonitoringPayload{Host: host})); err != nil {
		m.logger.Warn("health check failed", "error", err)
		return false
	}
	return true
}

// Shutdown asks every worker to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.broker.Publish(ctx, broker.WorkerEventQueue, events.New(events.ShutdownPayload{})); err != nil {
		return fmt.Errorf("failed to broadcast shutdown: %w", err)
	}
	m.logger.Info("worker shutdown requested")
	return nil
}

// HandleEvent dispatches an event of the manager queue to the status store
// and the progress aggregator.
func (m *Manager) HandleEvent(ctx context.Context, e *events.Event) error {
	return m.emitter.EmitEvent(ctx, e)
}

func (m *Manager) recordProgress(_ context.Context, e *events.Event) error {
	if p, ok := e.Payload.(events.ProgressSignalPayload); ok {
		m.progress.RecordSignal(p.Signal)
	}
	return nil
}

// StartStatusConsumer subscribes to the manager queue. The returned consumer
// must be shut down by the caller.
func (m *Manager) StartStatusConsumer(ctx context.Context, opts ...broker.ConsumerOption) (*broker.Consumer, error) {
	c, err := m.broker.NewConsumer(broker.ManagerEventQueue, "", opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create status consumer: %w", err)
	}
	if err := c.Consume(ctx, m); err != nil {
		_ = c.Shutdown()
		return nil, err
	}
	return c, nil
}
