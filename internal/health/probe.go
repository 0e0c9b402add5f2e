// Package health implements spec.md §4.4's HealthProbe: the shared HTTP
// client that polls a backend's health endpoint. internal/lifecycle drives
// both the startup poll (start_task) and the steady-state poll
// (monitor_task) off the same fixed health_check_interval / ready_health_interval
// tickers spec.md §4.2 specifies; Check is the single primitive both loops
// call.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Prober is a shared, connection-pooled HTTP client for health checks
// against 127.0.0.1:{port}{health_path}. One Prober is shared across all
// backends; its transport's idle-connection pool is sized per the gateway
// config (spec.md §3 pool_max_idle_per_host / pool_idle_timeout).
type Prober struct {
	client *http.Client
}

// NewProber builds a Prober whose per-check timeout defaults to 5s unless
// overridden per call via context.
func NewProber(maxIdlePerHost int, idleTimeout time.Duration) *Prober {
	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
	}
	return &Prober{
		client: &http.Client{
			Transport: transport,
			// A health endpoint that redirects is not healthy; following
			// redirects would also hide cross-host surprises.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// DefaultProbeTimeout is used when the caller's context carries no deadline.
const DefaultProbeTimeout = 5 * time.Second

// Check performs a single GET against 127.0.0.1:port+path and reports
// whether the response status is in [200, 300). It never returns an error;
// any transport failure, non-2xx status, or timeout is simply "unhealthy"
// (spec.md §4.4 "never raises").
func (p *Prober) Check(ctx context.Context, port int, path string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
