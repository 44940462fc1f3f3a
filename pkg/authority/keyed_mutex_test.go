package authority

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 16
	const rounds = 50
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				release := km.Lock("credit/env-1")
				counter++
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	releaseA := km.Lock("credit/env-a")

	done := make(chan struct{})
	go func() {
		release := km.Lock("credit/env-b")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
	releaseA()
}

func TestKeyedMutexReleasesIdleEntries(t *testing.T) {
	km := NewKeyedMutex()

	release := km.Lock("job/asg-1")
	km.mu.Lock()
	require.Len(t, km.locks, 1)
	km.mu.Unlock()
	release()

	km.mu.Lock()
	assert.Empty(t, km.locks)
	km.mu.Unlock()
}
