package backend_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spawngate/spawngate/internal/backend"
)

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	h := backend.NewHandle(&backend.Config{Hostname: "x", Port: 1})
	h.Mu.Lock()
	h.InFlight = 1
	h.Mu.Unlock()

	var calls []int
	g := backend.NewGuard(h, func(n int) { calls = append(calls, n) })
	g.Release()
	g.Release()
	g.Release()

	h.Mu.Lock()
	defer h.Mu.Unlock()
	assert.Equal(t, 0, h.InFlight)
	assert.Equal(t, []int{0}, calls)
}

func TestHandle_BroadcastWakesAllWaiters(t *testing.T) {
	h := backend.NewHandle(&backend.Config{Hostname: "x", Port: 1})

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]error, waiters)

	h.Mu.Lock()
	gen := h.Generation()
	h.Mu.Unlock()

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Mu.Lock()
			results[i] = h.WaitGeneration(gen)
			h.Mu.Unlock()
		}(i)
	}

	// Give the goroutines a moment to start waiting before broadcasting.
	time.Sleep(20 * time.Millisecond)

	h.Mu.Lock()
	h.Broadcast(nil)
	h.Mu.Unlock()

	wg.Wait()
	for _, err := range results {
		assert.NoError(t, err)
	}
}

func TestHandle_BroadcastCarriesError(t *testing.T) {
	h := backend.NewHandle(&backend.Config{Hostname: "x", Port: 1})

	h.Mu.Lock()
	gen := h.Generation()
	h.Mu.Unlock()

	done := make(chan error, 1)
	go func() {
		h.Mu.Lock()
		err := h.WaitGeneration(gen)
		h.Mu.Unlock()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)

	wantErr := assert.AnError
	h.Mu.Lock()
	h.Broadcast(wantErr)
	h.Mu.Unlock()

	assert.Equal(t, wantErr, <-done)
}
