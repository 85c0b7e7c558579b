package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned by Update.Apply for a state change the
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// Update is a partial change of a stored task. Nil fields are left untouched.
type Update struct {
	State      *State          `json:"state,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	Progress   *float64        `json:"progress,omitempty"`
	Retries    *int            `json:"retries,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

// IsEmpty reports whether the update carries no field at all.
func (u Update) IsEmpty() bool {
	return u.State == nil && u.Result == nil && u.Error == nil &&
		u.Progress == nil && u.Retries == nil && u.MaxRetries == nil
}

// Apply merges u into t. MaxRetries is only taken the first time a positive
// value arrives while the stored value is still the unset sentinel. A state
// the state machine does not allow from t.State is not applied; Apply then
// returns ErrInvalidTransition after merging the other fields.
func (u Update) Apply(t *Task) error {
	var err error
	if u.State != nil && *u.State != t.State {
		if t.State.CanTransition(*u.State) {
			t.State = *u.State
			if t.State.IsFinal() && t.CompletedAt == nil {
				now := time.Now().UTC()
				t.CompletedAt = &now
			}
		} else {
			err = fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.State, *u.State)
		}
	}
	if u.Result != nil {
		t.Result = u.Result
	}
	if u.Error != nil {
		t.Error = u.Error
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Retries != nil {
		t.Retries = *u.Retries
	}
	if u.MaxRetries != nil && t.MaxRetries < 0 && *u.MaxRetries > 0 {
		t.MaxRetries = *u.MaxRetries
	}
	return err
}

// WithState returns an update setting only the state.
func WithState(s State) Update {
	return Update{State: &s}
}

// WithProgress returns an update setting only the progress.
func WithProgress(rate float64) Update {
	return Update{Progress: &rate}
}
