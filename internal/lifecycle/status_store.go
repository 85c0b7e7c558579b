package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
)

var (
	// ErrMissingTask is returned when a creation event carries no task.
	ErrMissingTask = errors.New("creation event without task")
	// ErrMissingTaskID is returned for a status event without task id.
	ErrMissingTaskID = errors.New("status event without task id")
)

// StatusStore folds lifecycle events into task records.
type StatusStore struct {
	tasks  store.TaskStore
	locks  *keyedMutex
	logger *slog.Logger
}

var _ events.EventHandler = (*StatusStore)(nil)

// NewStatusStore creates a StatusStore writing into tasks.
func NewStatusStore(tasks store.TaskStore, logger *slog.Logger) *StatusStore {
	return &StatusStore{
		tasks:  tasks,
		locks:  newKeyedMutex(),
		logger: logger.With("component", "status_store"),
	}
}

// OnCreation writes the task carried by a creation event as is, replacing
// any record with the same id.
func (s *StatusStore) OnCreation(ctx context.Context, p events.CreationPayload) error {
	if p.Task == nil {
		return ErrMissingTask
	}
	unlock := s.locks.Lock(p.Task.ID)
	defer unlock()

	if err := s.tasks.Put(ctx, p.Task); err != nil {
		return fmt.Errorf("failed to store created task %s: %w", p.Task.ID, err)
	}
	s.logger.Debug("task record created", "task_id", p.Task.ID, "task_name", p.Task.Name, "state", p.Task.State)
	return nil
}

// OnStatusUpdate merges u into the record of id. An update for an unknown
// id is logged and dropped; no record is created for it. A state change the
// state machine forbids is logged and the other fields are still merged.
func (s *StatusStore) OnStatusUpdate(ctx context.Context, id string, u task.Update) error {
	if u.IsEmpty() {
		s.logger.Debug("empty status update ignored", "task_id", id)
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	_, err := s.tasks.Update(ctx, id, func(t *task.Task) error {
		if err := u.Apply(t); err != nil {
			s.logger.Warn("state change ignored", "task_id", id, "error", err)
		}
		return nil
	})
	if errors.Is(err, store.ErrTaskNotFound) {
		s.logger.Error("status update for unknown task", "task_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

// HandleEvent dispatches an event consumed from the manager queue.
// Store failures are fatal to the consumer: the event goes back to the queue
// and consumption stops. Kinds unrelated to task lifecycle are ignored.
func (s *StatusStore) HandleEvent(ctx context.Context, e *events.Event) error {
	var err error
	switch p := e.Payload.(type) {
	case events.CreationPayload:
		if p.Task == nil {
			return broker.Reject(ErrMissingTask)
		}
		err = s.OnCreation(ctx, p)
	case events.StatusUpdatePayload:
		if p.ID == "" {
			return broker.Reject(ErrMissingTaskID)
		}
		err = s.OnStatusUpdate(ctx, p.ID, p.Update)
	case events.TaskPayload:
		u, ok := updateOf(p)
		if !ok {
			return nil
		}
		if p.TaskID() == "" {
			return broker.Reject(ErrMissingTaskID)
		}
		err = s.OnStatusUpdate(ctx, p.TaskID(), u)
	default:
		return nil
	}
	if err != nil {
		return broker.Fatal(err)
	}
	return nil
}

// updateOf folds a typed task event into the equivalent status update.
func updateOf(p events.TaskPayload) (task.Update, bool) {
	switch p := p.(type) {
	case events.ProgressPayload:
		return task.WithProgress(p.Rate), true
	case events.ResultPayload:
		return task.Update{Result: p.Result}, true
	case events.ErrorPayload:
		return task.Update{Error: p.Error}, true
	case events.CanceledPayload:
		if p.Requeue {
			return task.WithState(task.StateQueued), true
		}
		return task.WithState(task.StateCancelled), true
	}
	return task.Update{}, false
}
