// Package admin implements spec.md §6's ready-callback interface plus the
// status and metrics endpoints SPEC_FULL.md §5.1 adds on top of it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/router"
)

// notifier is the subset of *lifecycle.Controller the admin server needs.
type notifier interface {
	NotifyReady(hostname string)
}

// Server is the admin HTTP server: ready callback, status, and metrics.
type Server struct {
	ctrl      notifier
	table     *router.Table
	startTime time.Time
	srv       *http.Server
}

// New builds an admin Server listening on addr. jwtSecret authenticates
// /ready and /status; /metrics is left open for Prometheus scrapers.
// metricsHandler is typically promhttp.HandlerFor(registry, ...).
func New(addr, jwtSecret string, ctrl notifier, table *router.Table, metricsHandler http.Handler) *Server {
	s := &Server{ctrl: ctrl, table: table, startTime: time.Now()}

	mux := http.NewServeMux()
	auth := jwtAuth(jwtSecret)
	mux.Handle("POST /ready/{hostname}", auth(http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /status", auth(http.HandlerFunc(s.handleStatus)))
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metricsHandler)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop gracefully shuts the admin server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	if hostname == "" {
		jsonErr(w, "hostname is required", http.StatusBadRequest)
		return
	}
	s.ctrl.NotifyReady(hostname)
	slog.Info("admin: ready callback received", "hostname", hostname)
	jsonOK(w, map[string]string{"status": "acknowledged"})
}

type hostStatus struct {
	Hostname            string `json:"hostname"`
	State               string `json:"state"`
	InFlight            int    `json:"in_flight"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastActivity        string `json:"last_activity,omitempty"`
}

type statusResponse struct {
	Uptime string       `json:"uptime"`
	Hosts  []hostStatus `json:"hosts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.table.Snapshot()
	hosts := make([]hostStatus, 0, len(snapshot))
	for hostname, h := range snapshot {
		hosts = append(hosts, snapshotStatus(hostname, h))
	}
	jsonOK(w, statusResponse{
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Hosts:  hosts,
	})
}

func snapshotStatus(hostname string, h *backend.Handle) hostStatus {
	h.Mu.Lock()
	defer h.Mu.Unlock()

	st := hostStatus{
		Hostname:            hostname,
		State:               h.State.Phase.String(),
		InFlight:            h.InFlight,
		ConsecutiveFailures: h.State.ConsecutiveFailures,
	}
	if !h.State.LastActivity.IsZero() {
		st.LastActivity = h.State.LastActivity.Format(time.RFC3339)
	}
	return st
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
