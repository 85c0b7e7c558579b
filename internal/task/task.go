package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a task.
type State string

// Possible task states.
const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSuccess   State = "SUCCESS"
	StateFailure   State = "FAILURE"
	StateCancelled State = "CANCELLED"
)

// UnsetMaxRetries marks a task whose retry budget has not been fixed yet.
const UnsetMaxRetries = -1

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled, StateFailure},
	StateRunning: {StateSuccess, StateFailure, StateCancelled, StateQueued},
}

// IsFinal reports whether no further transition leaves s.
func (s State) IsFinal() bool {
	return s == StateSuccess || s == StateFailure || s == StateCancelled
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateRunning, StateSuccess, StateFailure, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the persisted view of a unit of asynchronous work.
type Task struct {
	ID          string          `json:"id"                    msgpack:"id"`
	Name        string          `json:"name"                  msgpack:"name"`
	User        string          `json:"user,omitempty"        msgpack:"user"`
	Arguments   map[string]any  `json:"args,omitempty"        msgpack:"args"`
	State       State           `json:"state"                 msgpack:"state"`
	Result      json.RawMessage `json:"result,omitempty"      msgpack:"result"`
	Error       *TaskError      `json:"error,omitempty"       msgpack:"error"`
	Progress    float64         `json:"progress"              msgpack:"progress"`
	Retries     int             `json:"retries"               msgpack:"retries"`
	MaxRetries  int             `json:"maxRetries"            msgpack:"max_retries"`
	CreatedAt   time.Time       `json:"createdAt"             msgpack:"created_at"`
	CompletedAt *time.Time      `json:"completedAt,omitempty" msgpack:"completed_at"`
}

// New creates a queued task with a random id and an unset retry budget.
func New(name, user string, args map[string]any) *Task {
	if args == nil {
		args = map[string]any{}
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		User:       user,
		Arguments:  args,
		State:      StateQueued,
		MaxRetries: UnsetMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// Key is the store key of the task.
func (t *Task) Key() []byte {
	return []byte(t.ID)
}

// Clone returns a deep enough copy of t for callers that mutate the result.
func (t *Task) Clone() *Task {
	c := *t
	if t.Arguments != nil {
		c.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			c.Arguments[k] = v
		}
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		e.Stacktrace = append([]StacktraceItem(nil), t.Error.Stacktrace...)
		c.Error = &e
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
