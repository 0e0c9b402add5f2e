package backend

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the long-lived, per-host object spec.md §3 calls BackendHandle.
// It exists for the proxy's lifetime unless the host is removed by a config
// reload. All state transitions are made by the lifecycle controller while
// holding Mu; everything else (router, forwarder) only reads through the
// accessor methods.
type Handle struct {
	Hostname string

	cfg atomic.Pointer[Config]

	Mu         sync.Mutex
	Cond       *sync.Cond // ready-notify via Broadcast (generation-counted); also woken by Guard.Release
	generation uint64

	State    State
	InFlight int

	// RuntimeHandle is the opaque live handle returned by a
	// internal/runtime.Runtime.Start call. It is any to avoid an import
	// cycle (internal/runtime depends on this package for Config); the
	// lifecycle controller is the only code that type-asserts it.
	RuntimeHandle any

	// readyErr carries the terminal error of the most recent Starting
	// transition, read by waiters after they wake from Cond.Wait.
	readyErr error
}

// NewHandle creates a Stopped handle for the given initial config.
func NewHandle(cfg *Config) *Handle {
	h := &Handle{Hostname: cfg.Hostname, State: State{Phase: Stopped}}
	h.cfg.Store(cfg)
	h.Cond = sync.NewCond(&h.Mu)
	return h
}

// Config returns the current config snapshot. Safe without holding Mu.
func (h *Handle) Config() *Config {
	return h.cfg.Load()
}

// SetConfig atomically swaps the config snapshot. Per spec.md §3, this never
// mutates a running backend; the new snapshot is only read on the handle's
// next Stopped -> Starting transition.
func (h *Handle) SetConfig(cfg *Config) {
	h.cfg.Store(cfg)
}

// Generation returns the current ready-notify generation. Must be called
// while holding Mu.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Broadcast bumps the generation and wakes every waiter blocked in
// WaitGeneration. Must be called while holding Mu. err is stashed for
// waiters to observe as the outcome of the Starting attempt they awaited
// (nil on success).
func (h *Handle) Broadcast(err error) {
	h.generation++
	h.readyErr = err
	h.Cond.Broadcast()
}

// WaitGeneration blocks until the generation advances past since, then
// returns the error stashed by the Broadcast that woke it. Must be called
// while holding Mu; Cond.Wait releases and reacquires Mu internally.
func (h *Handle) WaitGeneration(since uint64) error {
	for h.generation == since {
		h.Cond.Wait()
	}
	return h.readyErr
}

// Touch refreshes LastActivity. Must be called while holding Mu.
func (h *Handle) Touch(now time.Time) {
	h.State.LastActivity = now
}
