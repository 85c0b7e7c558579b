package store

import (
	"context"

	"github.com/ICIJ/datashare-sub004/internal/task"
)

// TaskFilter selects records in List. Zero fields match everything.
type TaskFilter struct {
	Name   string
	User   string
	States []task.State
}

// Matches reports whether t is selected by the filter.
func (f TaskFilter) Matches(t *task.Task) bool {
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if f.User != "" && t.User != f.User {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

// UpdateFn mutates a record inside an atomic read-modify-write.
// Returning an error aborts the write.
type UpdateFn func(t *task.Task) error

// TaskStore persists the lifecycle record of each task, keyed by task id.
type TaskStore interface {
	// Put writes the record, replacing any existing record with the same id.
	Put(ctx context.Context, t *task.Task) error

	// Get returns the record of id.
	// Returns ErrTaskNotFound if no record exists.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Update reads the record of id, applies fn and writes the result back
	// atomically. Concurrent updates of the same id never lose writes.
	// Returns ErrTaskNotFound if no record exists; fn is not called then.
	Update(ctx context.Context, id string, fn UpdateFn) (*task.Task, error)

	// List returns the records selected by filter ordered by creation date.
	List(ctx context.Context, filter TaskFilter) ([]*task.Task, error)

	// Delete removes the record of id.
	// Returns ErrTaskNotFound if no record exists.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying storage.
	Close() error
}
