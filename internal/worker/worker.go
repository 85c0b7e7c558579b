package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/task"
)

// drainTimeout bounds how long Run waits for in-flight tasks on exit.
const drainTimeout = 10 * time.Second

// ErrNotATask is returned for a task queue delivery that is not a task creation.
var ErrNotATask = errors.New("delivery is not a task creation event")

// Broker is the part of the broker interlocutor used by the worker.
type Broker interface {
	broker.Publisher
	NewConsumer(q broker.Queue, key string, opts ...broker.ConsumerOption) (*broker.Consumer, error)
}

// Worker executes the tasks it consumes with the factories of a registry.
type Worker struct {
	broker   Broker
	registry *task.Registry
	cfg      config.WorkerConfig
	logger   *slog.Logger
	metrics  *Metrics

	mu        sync.Mutex
	running   map[string]context.CancelCauseFunc
	cancelled map[string]bool

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records task outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker. Publish channels for broker.TaskQueue,
// broker.ManagerEventQueue and broker.WorkerEventQueue must be registered on b.
func New(b Broker, registry *task.Registry, cfg config.WorkerConfig, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		broker:    b,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
		running:   make(map[string]context.CancelCauseFunc),
		cancelled: make(map[string]bool),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes tasks until ctx is done, a shutdown event arrives or a
// consumer loses its channel. Only the latter is reported as an error.
// Tasks still running on exit are cancelled and requeued.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		w.logger.Warn("invalid worker concurrency specified, using default",
			"specified_count", w.cfg.Concurrency,
			"default_count", 1)
		concurrency = 1
	}

	var consumers []*broker.Consumer
	defer func() { w.stop(consumers) }()

	workerEvents, err := w.broker.NewConsumer(broker.WorkerEventQueue, "")
	if err != nil {
		return fmt.Errorf("failed to create worker event consumer: %w", err)
	}
	consumers = append(consumers, workerEvents)
	if err := workerEvents.Consume(ctx, events.HandlerFunc(w.HandleWorkerEvent)); err != nil {
		return err
	}

	for range concurrency {
		c, err := w.broker.NewConsumer(broker.TaskQueue, w.cfg.RoutingKey)
		if err != nil {
			return fmt.Errorf("failed to create task consumer: %w", err)
		}
		consumers = append(consumers, c)
		if err := c.Consume(ctx, events.HandlerFunc(w.HandleTask)); err != nil {
			return err
		}
	}

	fatal := make(chan error, len(consumers))
	for _, c := range consumers {
		go func() {
			<-c.Done()
			if err := c.Err(); err != nil {
				fatal <- err
			}
		}()
	}

	w.logger.Info("worker started", "concurrency", concurrency, "routing_key", w.cfg.RoutingKey)
	select {
	case <-ctx.Done():
		w.logger.Info("worker stopping", "reason", context.Cause(ctx))
		return nil
	case <-w.shutdown:
		w.logger.Info("worker stopping", "reason", "shutdown event")
		return nil
	case err := <-fatal:
		w.logger.Error("worker lost a consumer", "error", err)
		return err
	}
}

// stop cancels the running tasks, lets the consumers settle their
// in-flight deliveries and closes their channels.
func (w *Worker) stop(consumers []*broker.Consumer) {
	w.cancelAll()
	for _, c := range consumers {
		if err := c.Cancel(); err != nil {
			w.logger.Warn("failed to cancel consumer", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, c := range consumers {
		if err := c.Wait(ctx); err != nil && !errors.Is(err, broker.ErrChannelClosed) {
			w.logger.Warn("consumer did not drain in time", "error", err)
		}
		if err := c.Shutdown(); err != nil {
			w.logger.Warn("failed to shut down consumer", "error", err)
		}
	}
}

// Shutdown makes Run return. It is called on a shutdown event.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		w.logger.Info("shutdown requested")
		close(w.shutdown)
	})
}

// Cancel cancels the task if it is running here. Otherwise the task is
// remembered and reported cancelled when it is delivered. It returns whether
// the task was running.
func (w *Worker) Cancel(id string, requeue bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cancel, ok := w.running[id]; ok {
		w.logger.Info("cancelling running task", "task_id", id, "requeue", requeue)
		cancel(&task.CancelError{Requeue: requeue})
		return true
	}
	w.cancelled[id] = requeue
	return false
}

func (w *Worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, cancel := range w.running {
		w.logger.Info("cancelling running task on exit", "task_id", id)
		cancel(&task.CancelError{Requeue: true})
	}
}

func (w *Worker) takeCancelled(id string) (requeue, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	requeue, ok = w.cancelled[id]
	delete(w.cancelled, id)
	return requeue, ok
}

func (w *Worker) track(id string, cancel context.CancelCauseFunc) func() {
	w.mu.Lock()
	w.running[id] = cancel
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.running, id)
		w.mu.Unlock()
	}
}

// HandleWorkerEvent handles the events broadcast to every worker.
func (w *Worker) HandleWorkerEvent(_ context.Context, e *events.Event) error {
	switch p := e.Payload.(type) {
	case events.CancelPayload:
		w.Cancel(p.ID, p.Requeue)
	case events.CanceledPayload:
		w.takeCancelled(p.ID)
	case events.ShutdownPayload:
		w.Shutdown()
	}
	return nil
}

// HandleTask runs the task carried by a creation event and reports its
// outcome. A failed task whose event has ttl left is published again;
// otherwise the delivery is rejected to the dead-letter queue.
func (w *Worker) HandleTask(ctx context.Context, e *events.Event) error {
	p, ok := e.Payload.(events.CreationPayload)
	if !ok || p.Task == nil {
		return broker.Reject(fmt.Errorf("%w: %s", ErrNotATask, e.Kind()))
	}
	t := p.Task
	log := logger.FromContext(ctx).With("task_id", t.ID, "task_name", t.Name)
	// reports outlive the delivery context so a stopping worker still reports
	reportCtx := context.WithoutCancel(ctx)

	if requeue, ok := w.takeCancelled(t.ID); ok {
		log.Info("cancelled task not executed", "requeue", requeue)
		return w.reportCancelled(reportCtx, log, t, requeue)
	}

	factory, err := w.registry.Resolve(t.Name)
	if err != nil {
		log.Error("cannot run task", "error", err)
		w.fail(reportCtx, log, t, err)
		return broker.Reject(err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer w.track(t.ID, cancel)()

	running := task.StateRunning
	maxRetries := t.Retries + e.TTL
	w.report(reportCtx, log, events.NewStatusUpdateEvent(t.ID, task.Update{State: &running, MaxRetries: &maxRetries}))
	w.report(reportCtx, log, events.NewProgressEvent(t.ID, 0))

	log.Info("running task", "retries", t.Retries, "ttl", e.TTL)
	w.metrics.started()
	result, err := run(runCtx, factory, t, func(rate float64) {
		w.report(reportCtx, log, events.NewProgressEvent(t.ID, rate))
	})
	w.metrics.stopped()

	if err == nil {
		return w.succeed(reportCtx, log, t, result)
	}

	var cancelErr *task.CancelError
	if errors.As(context.Cause(runCtx), &cancelErr) || errors.As(err, &cancelErr) {
		return w.reportCancelled(reportCtx, log, t, cancelErr.Requeue)
	}
	if runCtx.Err() != nil {
		return w.reportCancelled(reportCtx, log, t, true)
	}
	return w.retryOrFail(reportCtx, log, e, t, err)
}

// run builds and runs the task body, turning a panic into an error.
func run(ctx context.Context, factory task.Factory, t *task.Task, progress task.ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	runner, err := factory(t, progress)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx)
}

func (w *Worker) succeed(ctx context.Context, log *slog.Logger, t *task.Task, result any) error {
	resultEvent, err := events.NewResultEvent(t.ID, result)
	if err != nil {
		w.fail(ctx, log, t, err)
		return broker.Reject(err)
	}
	w.report(ctx, log, resultEvent)

	success := task.StateSuccess
	done := 1.0
	w.report(ctx, log, events.NewStatusUpdateEvent(t.ID, task.Update{State: &success, Progress: &done}))
	w.metrics.finished(t.Name, outcomeSuccess)
	log.Info("task succeeded")
	return nil
}

func (w *Worker) reportCancelled(ctx context.Context, log *slog.Logger, t *task.Task, requeue bool) error {
	canceled := events.NewCanceledEvent(t.ID, requeue)
	w.report(ctx, log, canceled)
	// other workers drop the id they remembered from the cancel broadcast
	if err := w.broker.Publish(ctx, broker.WorkerEventQueue, canceled); err != nil {
		log.Warn("cannot broadcast task cancellation", "error", err)
	}
	w.metrics.finished(t.Name, outcomeCancelled)
	log.Info("task cancelled", "requeue", requeue)
	if requeue {
		return broker.Requeue(&task.CancelError{Requeue: true})
	}
	return nil
}

func (w *Worker) retryOrFail(ctx context.Context, log *slog.Logger, e *events.Event, t *task.Task, cause error) error {
	reinjected, err := e.Reinject()
	if err != nil {
		w.fail(ctx, log, t, cause)
		return broker.Reject(cause)
	}

	retried := t.Clone()
	retried.State = task.StateQueued
	retried.Retries++
	reinjected.Payload = events.CreationPayload{Task: retried}

	// QUEUED is reported before the task can reach another worker
	queued := task.StateQueued
	w.report(ctx, log, events.NewStatusUpdateEvent(t.ID, task.Update{State: &queued, Retries: &retried.Retries}))
	if err := w.broker.PublishWithKey(ctx, broker.TaskQueue, w.cfg.RoutingKey, reinjected); err != nil {
		log.Error("failed to reinject task, requeueing delivery", "error", err)
		w.report(ctx, log, events.NewStatusUpdateEvent(t.ID, task.Update{Retries: &t.Retries}))
		return broker.Requeue(err)
	}
	w.metrics.finished(t.Name, outcomeRetry)
	log.Warn("task failed, retrying", "error", cause, "retries", retried.Retries, "ttl", reinjected.TTL)
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, t *task.Task, cause error) {
	w.report(ctx, log, events.NewErrorEvent(t.ID, task.NewTaskError(cause)))
	failure := task.StateFailure
	w.report(ctx, log, events.NewStatusUpdateEvent(t.ID, task.WithState(failure)))
	w.metrics.finished(t.Name, outcomeFailure)
	log.Error("task failed", "error", cause)
}

// report publishes a status event for the manager. Failures are logged only.
func (w *Worker) report(ctx context.Context, log *slog.Logger, e *events.Event) {
	if err := w.broker.Publish(ctx, broker.ManagerEventQueue, e); err != nil {
		log.Warn("cannot publish task event", "event_kind", e.Kind(), "error", err)
	}
}
