package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	RegisterBuiltins(r)

	assert.Equal(t, []string{HelloWorldTask, SleepTask}, r.Names())

	_, err := r.Resolve("Unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTask))
	var unknown *UnknownTaskError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Unknown", unknown.Name)
}

func TestHelloWorld(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	RegisterBuiltins(r)
	factory, err := r.Resolve(HelloWorldTask)
	require.NoError(t, err)

	var reported []float64
	runner, err := factory(New(HelloWorldTask, "u", map[string]any{"greeted": "ICIJ"}), func(rate float64) {
		reported = append(reported, rate)
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello ICIJ!", result)
	assert.Equal(t, []float64{1}, reported)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("reports progress per step", func(t *testing.T) {
		var reported []float64
		runner, err := newSleep(New(SleepTask, "u", map[string]any{"steps": float64(4), "intervalMs": int64(1)}),
			func(rate float64) { reported = append(reported, rate) })
		require.NoError(t, err)

		result, err := runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, result)
		assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, reported)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		runner, err := newSleep(New(SleepTask, "u", map[string]any{"steps": 1000, "intervalMs": 50}), func(float64) {})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err = runner.Run(ctx)
		var cancelErr *CancelError
		assert.True(t, errors.As(err, &cancelErr))
	})

	t.Run("rejects invalid steps", func(t *testing.T) {
		_, err := newSleep(New(SleepTask, "u", map[string]any{"steps": 0}), func(float64) {})
		assert.Error(t, err)
	})
}
