// Package runtime implements spec.md §4.3's BackendRuntime capability: the
// pluggable spawn / signal / wait / kill + log-streaming operations that
// start and stop a backend, in two variants (Local process, Docker
// container).
package runtime

import (
	"context"

	"github.com/spawngate/spawngate/internal/backend"
)

// Handle is the opaque live handle returned by Start. Concrete types are
// *LocalHandle and *ContainerHandle; callers only need String for logging.
type Handle interface {
	String() string
}

// Runtime is spec.md §4.3's BackendRuntime trait.
type Runtime interface {
	// Start spawns the backend described by cfg and returns a live handle.
	// For Container backends this may pull an image first, honoring
	// cfg.Kind.(backend.ContainerKind).PullPolicy.
	Start(ctx context.Context, cfg *backend.Config) (Handle, error)

	// TerminateGraceful sends a polite termination signal without waiting
	// for the process/container to exit.
	TerminateGraceful(ctx context.Context, h Handle) error

	// TerminateForce hard-kills the backend (and, for containers, removes
	// it afterwards).
	TerminateForce(ctx context.Context, h Handle) error

	// IsAlive reports whether the backend is still running. Never returns
	// an error; a transport/inspect failure is treated as "not alive".
	IsAlive(ctx context.Context, h Handle) bool
}
