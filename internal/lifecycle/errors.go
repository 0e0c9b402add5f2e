package lifecycle

import "errors"

// Sentinel errors returned by Controller.Acquire, mapped to the wire error
// taxonomy (spec.md §7) by internal/proxy/errors.go.
var (
	ErrBackendShuttingDown = errors.New("lifecycle: backend is shutting down")
	ErrBackendStartFailed  = errors.New("lifecycle: backend failed to start")
	ErrStartupTimeout      = errors.New("lifecycle: startup timeout exceeded")
)
