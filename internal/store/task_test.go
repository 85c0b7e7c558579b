package store_test

import (
	"testing"

	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestTaskFilterMatches(t *testing.T) {
	t.Parallel()

	record := task.New("HelloWorld", "alice", nil)
	record.State = task.StateRunning

	tests := []struct {
		name   string
		filter store.TaskFilter
		want   bool
	}{
		{"empty filter", store.TaskFilter{}, true},
		{"same name", store.TaskFilter{Name: "HelloWorld"}, true},
		{"other name", store.TaskFilter{Name: "Sleep"}, false},
		{"other user", store.TaskFilter{User: "bob"}, false},
		{"one of the states", store.TaskFilter{States: []task.State{task.StateQueued, task.StateRunning}}, true},
		{"none of the states", store.TaskFilter{States: []task.State{task.StateSuccess}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(record))
		})
	}
}

func TestErrTaskNotFoundIsNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, store.IsNotFoundError(store.ErrTaskNotFound))
	assert.False(t, store.IsNotFoundError(store.ErrDuplicate))

	err := store.NewStoreError("task", "update", "cannot decode", store.ErrInvalidEntity)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	assert.Equal(t, "update operation on task failed: cannot decode: invalid entity", err.Error())
}
