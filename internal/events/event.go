package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/progress"
	"github.com/ICIJ/datashare-sub004/internal/task"
)

// DefaultTTL is the reinjection budget of a new event.
const DefaultTTL = 3

var (
	// ErrTTLExhausted is returned when reinjecting an event whose ttl is 0.
	ErrTTLExhausted = errors.New("event ttl exhausted")
	// ErrUnknownKind is returned when decoding an unknown discriminator.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrNegativeTTL is returned when decoding an event with ttl < 0.
	ErrNegativeTTL = errors.New("negative event ttl")
	// ErrMalformed wraps every decoding failure.
	ErrMalformed = errors.New("malformed event")
)

// Kind is the wire discriminator of an event.
type Kind string

// Known event kinds.
const (
	KindTaskCreation   Kind = "TaskCreation"
	KindProgress       Kind = "Progress"
	KindResult         Kind = "Result"
	KindError          Kind = "Error"
	KindCancel         Kind = "Cancel"
	KindCanceled       Kind = "Canceled"
	KindStatusUpdate   Kind = "StatusUpdate"
	KindProgressSignal Kind = "ProgressSignal"
	KindShutdown       Kind = "Shutdown"
	KindMonitoring     Kind = "Monitoring"
)

// Payload is implemented by every event variant.
type Payload interface {
	Kind() Kind
}

// TaskPayload is implemented by the variants that refer to a task.
type TaskPayload interface {
	Payload
	TaskID() string
}

// Event is a serializable, time-boxed message envelope.
type Event struct {
	CreationDate time.Time
	TTL          int
	Payload      Payload
}

// CreationPayload carries the full definition of a new task.
type CreationPayload struct {
	Task *task.Task `json:"task"`
}

// ProgressPayload reports the completion rate of a task.
type ProgressPayload struct {
	ID   string  `json:"taskId"`
	Rate float64 `json:"rate"`
}

// ResultPayload carries the JSON encoded result of a task.
type ResultPayload struct {
	ID     string          `json:"taskId"`
	Result json.RawMessage `json:"result"`
}

// ErrorPayload carries the failure of a task.
type ErrorPayload struct {
	ID    string          `json:"taskId"`
	Error *task.TaskError `json:"error"`
}

// CancelPayload asks workers to stop a task.
type CancelPayload struct {
	ID      string `json:"taskId"`
	Requeue bool   `json:"requeue"`
}

// CanceledPayload acknowledges that a task was stopped.
type CanceledPayload struct {
	ID      string `json:"taskId"`
	Requeue bool   `json:"requeue"`
}

// StatusUpdatePayload is a partial update of a stored task.
type StatusUpdatePayload struct {
	ID string `json:"taskId"`
	task.Update
}

// ProgressSignalPayload is a weighted progress report of a composite run.
type ProgressSignalPayload struct {
	progress.Signal
}

// ShutdownPayload asks the receiving processes to stop.
type ShutdownPayload struct{}

// MonitoringPayload is a liveness ping.
type MonitoringPayload struct {
	Host string `json:"host,omitempty"`
}

func (CreationPayload) Kind() Kind       { return KindTaskCreation }
func (ProgressPayload) Kind() Kind       { return KindProgress }
func (ResultPayload) Kind() Kind         { return KindResult }
func (ErrorPayload) Kind() Kind          { return KindError }
func (CancelPayload) Kind() Kind         { return KindCancel }
func (CanceledPayload) Kind() Kind       { return KindCanceled }
func (StatusUpdatePayload) Kind() Kind   { return KindStatusUpdate }
func (ProgressSignalPayload) Kind() Kind { return KindProgressSignal }
func (ShutdownPayload) Kind() Kind       { return KindShutdown }
func (MonitoringPayload) Kind() Kind     { return KindMonitoring }

func (p CreationPayload) TaskID() string {
	if p.Task == nil {
		return ""
	}
	return p.Task.ID
}

func (p ProgressPayload) TaskID() string     { return p.ID }
func (p ResultPayload) TaskID() string       { return p.ID }
func (p ErrorPayload) TaskID() string        { return p.ID }
func (p CancelPayload) TaskID() string       { return p.ID }
func (p CanceledPayload) TaskID() string     { return p.ID }
func (p StatusUpdatePayload) TaskID() string { return p.ID }

// New wraps a payload in an event created now with the default ttl.
func New(p Payload) *Event {
	return &Event{
		CreationDate: time.Now().UTC(),
		TTL:          DefaultTTL,
		Payload:      p,
	}
}

// NewCreationEvent wraps a new task.
func NewCreationEvent(t *task.Task) *Event {
	return New(CreationPayload{Task: t})
}

// NewProgressEvent reports the completion rate of a task.
func NewProgressEvent(taskID string, rate float64) *Event {
	return New(ProgressPayload{ID: taskID, Rate: rate})
}

// NewResultEvent encodes result as JSON.
func NewResultEvent(taskID string, result any) (*Event, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result of task %s: %w", taskID, err)
	}
	return New(ResultPayload{ID: taskID, Result: raw}), nil
}

// NewErrorEvent reports the failure of a task.
func NewErrorEvent(taskID string, taskErr *task.TaskError) *Event {
	return New(ErrorPayload{ID: taskID, Error: taskErr})
}

// NewCancelEvent asks workers to stop a task.
func NewCancelEvent(taskID string, requeue bool) *Event {
	return New(CancelPayload{ID: taskID, Requeue: requeue})
}

// NewCanceledEvent acknowledges the cancellation of a task.
func NewCanceledEvent(taskID string, requeue bool) *Event {
	return New(CanceledPayload{ID: taskID, Requeue: requeue})
}

// NewStatusUpdateEvent carries a partial update of a task.
func NewStatusUpdateEvent(taskID string, u task.Update) *Event {
	return New(StatusUpdatePayload{ID: taskID, Update: u})
}

// NewProgressSignalEvent carries a weighted progress signal.
func NewProgressSignalEvent(s progress.Signal) *Event {
	return New(ProgressSignalPayload{Signal: s})
}

// Kind returns the discriminator of the payload.
func (e *Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// WithTTL returns a copy of e with the given ttl.
func (e *Event) WithTTL(ttl int) *Event {
	c := *e
	c.TTL = ttl
	return &c
}

// TaskID returns the id of the task the event refers to, if any.
func (e *Event) TaskID() (string, bool) {
	tp, ok := e.Payload.(TaskPayload)
	if !ok {
		return "", false
	}
	return tp.TaskID(), true
}

// CanBeReinjected reports whether the event has reinjection budget left.
func (e *Event) CanBeReinjected() bool {
	return e.TTL > 0
}

// Reinject returns the same logical message with one less ttl.
func (e *Event) Reinject() (*Event, error) {
	if !e.CanBeReinjected() {
		return nil, ErrTTLExhausted
	}
	return e.WithTTL(e.TTL - 1), nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}
