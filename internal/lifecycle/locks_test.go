package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("t1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, k.size(), "unused keys are released")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlock := k.Lock("t1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.Lock("t2")()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, k.size())
}
