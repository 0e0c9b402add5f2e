package backend

import "sync"

// Guard is the InFlightGuard of spec.md §4.6: a scoped token returned by
// Acquire. Release must be called exactly once (idempotently enforced via
// sync.Once) on every code path — success, error, cancellation — typically
// via `defer guard.Release()` at the call site, which Go runs on panics too.
type Guard struct {
	h        *Handle
	once     sync.Once
	onChange func(inFlight int)
}

// NewGuard wraps h. onChange, if non-nil, is called from Release with the
// post-decrement in-flight count after h.Mu is released, so internal/lifecycle
// can keep an in-flight gauge in sync without internal/backend importing
// internal/metrics (which already imports internal/backend for Phase).
// Exported so internal/lifecycle (the only legitimate admitter) can
// construct guards; callers outside this package receive already-admitted
// *Guard values and must not construct their own.
func NewGuard(h *Handle, onChange func(inFlight int)) *Guard {
	return &Guard{h: h, onChange: onChange}
}

// Release decrements the handle's in-flight counter and broadcasts on the
// handle's condition variable. The lifecycle controller's drain wait does
// not block on that condition; it polls InFlight on a ticker. Safe to call
// multiple times; only the first call has an effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.h.Mu.Lock()
		g.h.InFlight--
		n := g.h.InFlight
		g.h.Cond.Broadcast()
		g.h.Mu.Unlock()
		if g.onChange != nil {
			g.onChange(n)
		}
	})
}
