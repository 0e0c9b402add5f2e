package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spawngate/spawngate/internal/lifecycle"
	"github.com/spawngate/spawngate/internal/router"
)

// wireError is the JSON body of spec.md §7's error response.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// classify maps an internal error to spec.md §7's (code, status, message)
// triple. The default is CONNECTION_FAILED/502, matching "transport error
// dialing or reading from backend".
func classify(err error) wireError {
	switch {
	case errors.Is(err, router.ErrMissingHost):
		return wireError{"MISSING_HOST_HEADER", "no Host header was supplied", http.StatusBadRequest}
	case errors.Is(err, router.ErrInvalidHost), errors.Is(err, router.ErrUnknownHost):
		return wireError{"UNKNOWN_HOST", "no backend is configured for this host", http.StatusNotFound}
	case errors.Is(err, lifecycle.ErrBackendShuttingDown):
		return wireError{"BACKEND_SHUTTING_DOWN", "the backend is shutting down", http.StatusServiceUnavailable}
	case errors.Is(err, lifecycle.ErrBackendStartFailed), errors.Is(err, lifecycle.ErrStartupTimeout):
		return wireError{"BACKEND_START_FAILED", "the backend failed to start in time", http.StatusServiceUnavailable}
	case errors.Is(err, errRequestTimeout):
		return wireError{"REQUEST_TIMEOUT", "the backend did not respond in time", http.StatusGatewayTimeout}
	case errors.Is(err, errConnectionFailed):
		return wireError{"CONNECTION_FAILED", "could not reach the backend", http.StatusBadGateway}
	default:
		return wireError{"CONNECTION_FAILED", "could not reach the backend", http.StatusBadGateway}
	}
}

// writeError writes the error response and X-Proxy-Error header. Internal
// detail (err itself) is for the caller to log; the client only ever sees
// the sanitized wireError message.
func writeError(w http.ResponseWriter, err error) {
	we := classify(err)
	w.Header().Set("X-Proxy-Error", we.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(we.Status)
	_ = json.NewEncoder(w).Encode(we)
}

// errRequestTimeout marks a round trip that exceeded request_timeout. A
// failed restart surfaces as BACKEND_START_FAILED instead of a dedicated
// BACKEND_UNHEALTHY error, matching spec.md §7's recovery policy.
var errRequestTimeout = errors.New("proxy: request timeout")

// errConnectionFailed marks a transport error dialing or reading from a
// backend, wrapped with detail by forwarder.go and websocket.go.
var errConnectionFailed = errors.New("proxy: connection failed")
