// Package proxy implements spec.md §4.5's Forwarder: the plain-HTTP listener
// that resolves a request's host, admits it through the lifecycle
// controller, and relays it to the backend (plain HTTP, or a raw TCP
// splice for WebSocket upgrades).
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/lifecycle"
	"github.com/spawngate/spawngate/internal/router"
)

// maxH2ConcurrentStreams caps concurrent streams per HTTP/2 connection
// (spec.md §4.5).
const maxH2ConcurrentStreams = 250

// Forwarder is the inbound HTTP handler wired to the lifecycle controller.
type Forwarder struct {
	table      *router.Table
	controller *lifecycle.Controller
	transport  http.RoundTripper
}

// New builds a Forwarder. idleConnsPerHost/idleTimeout size the pooled
// outbound transport's connection cache (spec.md §5 "pooled per host").
func New(table *router.Table, controller *lifecycle.Controller, idleConnsPerHost int, idleTimeout time.Duration) *Forwarder {
	return &Forwarder{
		table:      table,
		controller: controller,
		transport: &http.Transport{
			MaxIdleConnsPerHost: idleConnsPerHost,
			IdleConnTimeout:     idleTimeout,
		},
	}
}

// Handler wraps the Forwarder in an h2c handler so HTTP/2 prior-knowledge
// connections are accepted alongside HTTP/1.1 on the same listener
// (spec.md §4.5).
func (f *Forwarder) Handler() http.Handler {
	h2s := &http2.Server{MaxConcurrentStreams: maxH2ConcurrentStreams}
	return h2c.NewHandler(logRequests(f), h2s)
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h, err := router.Resolve(f.table, req.Host)
	if err != nil {
		writeError(w, err)
		return
	}

	id := requestID(req)
	wsUpgrade := isWebSocketUpgrade(req)
	rewriteHeaders(req, id, wsUpgrade)
	w.Header().Set("X-Request-ID", id)

	guard, err := f.controller.Acquire(req.Context(), h)
	if err != nil {
		slog.Warn("proxy: admission failed", "hostname", h.Hostname, "request_id", id, "error", err)
		writeError(w, err)
		return
	}
	defer guard.Release()

	cfg := h.Config()

	if wsUpgrade {
		if err := tunnelWebSocket(req.Context(), w, req, cfg.Port); err != nil {
			slog.Warn("proxy: websocket tunnel failed", "hostname", h.Hostname, "request_id", id, "error", err)
		}
		return
	}

	f.forwardHTTP(w, req, h, cfg, id)
}

func (f *Forwarder) forwardHTTP(w http.ResponseWriter, req *http.Request, h *backend.Handle, cfg *backend.Config, id string) {
	ctx, cancel := context.WithTimeout(req.Context(), cfg.RequestTimeout)
	defer cancel()

	backendHost := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	rp := &httputil.ReverseProxy{
		Transport: f.transport,
		// Rewrite (not the legacy Director) is required here: ReverseProxy's
		// own ServeHTTP only appends its own X-Forwarded-For entry when
		// Rewrite is nil, which would turn rewriteHeaders' single peer IP
		// into "peerIP, peerIP" on the wire. With Rewrite set, ReverseProxy
		// deletes X-Forwarded-* from the outbound request before calling it,
		// so the values rewriteHeaders put on the inbound request are copied
		// back here.
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(&url.URL{Scheme: "http", Host: backendHost})
			for _, k := range []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"} {
				r.Out.Header[k] = r.In.Header[k]
			}
		},
		ErrorLog: nil,
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			var wrapped error
			if errors.Is(err, context.DeadlineExceeded) {
				wrapped = fmt.Errorf("%w: %v", errRequestTimeout, err)
			} else {
				wrapped = fmt.Errorf("%w: %v", errConnectionFailed, err)
			}
			slog.Warn("proxy: round trip failed", "hostname", h.Hostname, "request_id", id, "error", err)
			writeError(rw, wrapped)
		},
	}
	rp.ServeHTTP(w, req.WithContext(ctx))
}
