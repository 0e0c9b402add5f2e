// Package router resolves an inbound request's Host header to the
// BackendHandle that owns it (spec.md §4.1).
package router

import (
	"errors"
	"strings"
	"sync"

	"github.com/spawngate/spawngate/internal/backend"
)

// Errors returned by Resolve, mapped to the wire error taxonomy (spec.md §7)
// by internal/proxy.
var (
	ErrMissingHost = errors.New("router: missing host header")
	ErrInvalidHost = errors.New("router: invalid host header")
	ErrUnknownHost = errors.New("router: unknown host")
)

// Table is the read-mostly host -> handle map (spec.md §5 "global
// host→handle map"). Reads never block writers for long: writes only occur
// on config reload and replace the whole underlying map, so readers holding
// a stale snapshot never observe a half-updated table.
type Table struct {
	mu       sync.RWMutex
	handles  map[string]*backend.Handle
}

// NewTable builds a Table from an initial set of handles.
func NewTable(handles map[string]*backend.Handle) *Table {
	t := &Table{handles: make(map[string]*backend.Handle, len(handles))}
	for host, h := range handles {
		t.handles[host] = h
	}
	return t
}

// Get returns the handle for hostname, or nil if not present.
func (t *Table) Get(hostname string) *backend.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handles[hostname]
}

// Snapshot returns a copy of the current host -> handle map.
func (t *Table) Snapshot() map[string]*backend.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*backend.Handle, len(t.handles))
	for k, v := range t.handles {
		out[k] = v
	}
	return out
}

// Replace atomically swaps the whole table. Used by the lifecycle
// controller's ApplyConfig once it has created handles for added hosts;
// removed hosts are drained and stopped after the swap.
func (t *Table) Replace(handles map[string]*backend.Handle) {
	t.mu.Lock()
	t.handles = handles
	t.mu.Unlock()
}

// Resolve parses and validates an inbound Host header and looks up its
// handle (spec.md §4.1). hostHeader is the raw Request.Host value, which may
// carry a ":port" suffix.
func Resolve(table *Table, hostHeader string) (*backend.Handle, error) {
	if hostHeader == "" {
		return nil, ErrMissingHost
	}

	host := stripPort(hostHeader)
	host = strings.ToLower(host)

	if host == "" || len(host) > 253 {
		return nil, ErrInvalidHost
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '-'
		if !ok {
			return nil, ErrInvalidHost
		}
	}

	h := table.Get(host)
	if h == nil {
		return nil, ErrUnknownHost
	}
	return h, nil
}

// stripPort removes a trailing ":port" authority suffix, being careful not
// to truncate bare IPv6 literals (which the core never routes on, but must
// not crash on either).
func stripPort(hostHeader string) string {
	if strings.HasPrefix(hostHeader, "[") {
		// IPv6 literal, e.g. "[::1]:8080" — not a valid DNS label, so
		// validation below will reject it, but don't panic here.
		if idx := strings.LastIndex(hostHeader, "]"); idx != -1 {
			return hostHeader[:idx+1]
		}
		return hostHeader
	}
	if idx := strings.LastIndex(hostHeader, ":"); idx != -1 {
		return hostHeader[:idx]
	}
	return hostHeader
}
