package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is matched by every UnknownTaskError.
var ErrUnknownTask = errors.New("unknown task")

// UnknownTaskError is returned when no factory is registered under Name.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

// Is makes errors.Is(err, ErrUnknownTask) hold.
func (e *UnknownTaskError) Is(target error) bool {
	return target == ErrUnknownTask
}

// CancelError is returned by a task body that stopped because it was cancelled.
type CancelError struct {
	Requeue bool
}

func (e *CancelError) Error() string {
	if e.Requeue {
		return "task cancelled (requeue)"
	}
	return "task cancelled"
}

// ProgressFunc reports the completion rate of a running task, in [0,1].
type ProgressFunc func(rate float64)

// Runner is a task body ready to run.
type Runner interface {
	Run(ctx context.Context) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) (any, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// Factory builds the body of a task.
type Factory func(t *Task, progress ProgressFunc) (Runner, error)

// Registry maps task names to factories. It is filled at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to factory, replacing any previous binding.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve returns the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	return factory, nil
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
