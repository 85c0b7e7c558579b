package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tk := New("Scan", "jdoe", nil)

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, "Scan", tk.Name)
	assert.Equal(t, "jdoe", tk.User)
	assert.Equal(t, StateQueued, tk.State)
	assert.Equal(t, UnsetMaxRetries, tk.MaxRetries)
	assert.NotNil(t, tk.Arguments)
	assert.Equal(t, []byte(tk.ID), tk.Key())
	assert.NotEqual(t, tk.ID, New("Scan", "jdoe", nil).ID)
}

func TestStateMachine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateCancelled, true},
		{StateRunning, StateSuccess, true},
		{StateRunning, StateFailure, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateQueued, true},
		{StateQueued, StateFailure, true},
		{StateQueued, StateSuccess, false},
		{StateSuccess, StateRunning, false},
		{StateFailure, StateQueued, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, StateCancelled.IsFinal())
	assert.False(t, StateRunning.IsFinal())
	assert.False(t, State("PAUSED").IsValid())
}

func TestUpdateApply(t *testing.T) {
	t.Parallel()

	t.Run("only set fields overwrite", func(t *testing.T) {
		stored := &Task{ID: "t1", State: StateRunning, Progress: 0.1, Retries: 0, MaxRetries: UnsetMaxRetries}

		WithProgress(0.5).Apply(stored)

		assert.Equal(t, 0.5, stored.Progress)
		assert.Equal(t, 0, stored.Retries)
		assert.Equal(t, StateRunning, stored.State)
		assert.Nil(t, stored.Result)
	})

	t.Run("max retries is set once", func(t *testing.T) {
		stored := &Task{ID: "t1", MaxRetries: UnsetMaxRetries}
		three, five, zero := 3, 5, 0

		Update{MaxRetries: &zero}.Apply(stored)
		assert.Equal(t, UnsetMaxRetries, stored.MaxRetries, "non positive values never set the budget")

		Update{MaxRetries: &three}.Apply(stored)
		assert.Equal(t, 3, stored.MaxRetries)

		Update{MaxRetries: &five}.Apply(stored)
		assert.Equal(t, 3, stored.MaxRetries)
	})

	t.Run("final state stamps completion", func(t *testing.T) {
		stored := &Task{ID: "t1", State: StateRunning}

		u := WithState(StateSuccess)
		u.Result = json.RawMessage(`42`)
		require.NoError(t, u.Apply(stored))

		assert.Equal(t, StateSuccess, stored.State)
		assert.JSONEq(t, `42`, string(stored.Result))
		require.NotNil(t, stored.CompletedAt)
	})

	t.Run("forbidden state change is not applied", func(t *testing.T) {
		stored := &Task{ID: "t1", State: StateSuccess}

		u := WithState(StateRunning)
		u.Retries = new(int)
		*u.Retries = 2
		err := u.Apply(stored)

		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateSuccess, stored.State)
		assert.Equal(t, 2, stored.Retries)
	})

	t.Run("same state is a no-op", func(t *testing.T) {
		stored := &Task{ID: "t1", State: StateQueued}

		require.NoError(t, WithState(StateQueued).Apply(stored))
		assert.Equal(t, StateQueued, stored.State)
		assert.Nil(t, stored.CompletedAt)
	})

	assert.True(t, Update{}.IsEmpty())
	assert.False(t, WithProgress(0).IsEmpty())
}

func TestClone(t *testing.T) {
	t.Parallel()

	orig := New("Scan", "u", map[string]any{"path": "/data"})
	orig.Error = &TaskError{Name: "e", Stacktrace: []StacktraceItem{{Name: "f"}}}

	c := orig.Clone()
	c.Arguments["path"] = "/other"
	c.Error.Stacktrace[0].Name = "g"

	assert.Equal(t, "/data", orig.Arguments["path"])
	assert.Equal(t, "f", orig.Error.Stacktrace[0].Name)
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestNewTaskError(t *testing.T) {
	t.Parallel()

	te := NewTaskError(&wrapped{err: errors.New("disk full")})

	assert.Equal(t, "*task.wrapped", te.Name)
	assert.Equal(t, "wrapped: disk full", te.Message)
	assert.Equal(t, "*errors.errorString: disk full", te.Cause)
	require.NotEmpty(t, te.Stacktrace)
	assert.Contains(t, te.Stacktrace[0].Name, "TestNewTaskError")

	rendered := te.Error()
	assert.True(t, strings.HasPrefix(rendered, "*task.wrapped: wrapped: disk full\n\tat "))
}

func TestTaskErrorRendersNativeFrames(t *testing.T) {
	t.Parallel()

	te := &TaskError{
		Name:    "RuntimeError",
		Message: "boom",
		Stacktrace: []StacktraceItem{
			{File: "a.go", Lineno: 12, Name: "pkg.run"},
			{Lineno: -1, Name: "runtime.goexit"},
		},
	}

	assert.Equal(t, "RuntimeError: boom\n\tat pkg.run:12\n\tat runtime.goexit (native)", te.Error())
}
