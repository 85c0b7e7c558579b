package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregatorWeightedRatio(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordSignal(Signal{RunID: "run1", ActivityID: "a1", Progress: 0.5, Weight: 1.0})
	a.RecordSignal(Signal{RunID: "run1", ActivityID: "a2", Progress: 2.0, Weight: 2.0})
	a.RecordSignal(Signal{RunID: "run2", ActivityID: "a1", Progress: 1.0, Weight: 10.0})

	assert.InDelta(t, 2.5/3.0, a.Progress("run1"), 1e-9)
	assert.InDelta(t, 0.1, a.Progress("run2"), 1e-9)
}

func TestAggregatorUnknownRun(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	assert.Equal(t, 0.0, a.Progress("nope"))

	a.RecordSignal(Signal{RunID: "zero", ActivityID: "a", Progress: 1, Weight: 0})
	assert.Equal(t, 0.0, a.Progress("zero"), "a zero maximum yields 0")
}

func TestAggregatorSumsRepeatedSignals(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordSignal(Signal{RunID: "r", ActivityID: "a", Progress: 0.25, Weight: 1})
	a.RecordSignal(Signal{RunID: "r", ActivityID: "a", Progress: 0.25, Weight: 1})

	assert.InDelta(t, 0.25, a.Progress("r"), 1e-9)
}

func TestAggregatorDoesNotClamp(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordSignal(Signal{RunID: "r", ActivityID: "a", Progress: 3, Weight: 1})

	assert.InDelta(t, 3.0, a.Progress("r"), 1e-9)
}

func TestAggregatorForget(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordSignal(Signal{RunID: "r", ActivityID: "a", Progress: 1, Weight: 1})
	a.RecordSignal(Signal{RunID: "other", ActivityID: "a", Progress: 1, Weight: 2})
	a.Forget("r")

	assert.Equal(t, 0.0, a.Progress("r"))
	assert.InDelta(t, 0.5, a.Progress("other"), 1e-9)
}

func TestAggregatorConcurrentSignals(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.RecordSignal(Signal{RunID: "r", ActivityID: []string{"a", "b"}[i%2], Progress: 1, Weight: 2})
		}(i)
	}
	wg.Wait()

	assert.InDelta(t, 0.5, a.Progress("r"), 1e-9)
}
