package proxy_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/health"
	"github.com/spawngate/spawngate/internal/lifecycle"
	"github.com/spawngate/spawngate/internal/metrics"
	"github.com/spawngate/spawngate/internal/proxy"
	"github.com/spawngate/spawngate/internal/router"
	"github.com/spawngate/spawngate/internal/runtime"
)

// stubHandle/stubRuntime mirror internal/lifecycle's test doubles: the
// forwarder only needs a Controller that actually admits requests, and a
// stub spawn is enough since the "backend" here is always an httptest
// server already listening before the test starts.
type stubHandle struct{ id int }

func (h *stubHandle) String() string { return fmt.Sprintf("stub-%d", h.id) }

type stubRuntime struct {
	mu     sync.Mutex
	starts int
}

func (r *stubRuntime) Start(ctx context.Context, cfg *backend.Config) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return &stubHandle{id: r.starts}, nil
}
func (r *stubRuntime) TerminateGraceful(ctx context.Context, h runtime.Handle) error { return nil }
func (r *stubRuntime) TerminateForce(ctx context.Context, h runtime.Handle) error    { return nil }
func (r *stubRuntime) IsAlive(ctx context.Context, h runtime.Handle) bool            { return true }

func portOf(t *testing.T, addr string) int {
	t.Helper()
	var port int
	_, err := fmt.Sscanf(addr, "127.0.0.1:%d", &port)
	if err != nil {
		// httptest.Server.Listener.Addr() on most CI sandboxes is
		// "127.0.0.1:PORT"; any other form fails the test.
		t.Fatalf("unexpected listener address %q: %v", addr, err)
	}
	return port
}

func newForwarder(t *testing.T, backendAddr string) (*proxy.Forwarder, *backend.Handle) {
	t.Helper()
	cfg := &backend.Config{
		Hostname:            "api.local",
		Kind:                backend.LocalKind{Command: "./run.sh"},
		Port:                portOf(t, backendAddr),
		IdleTimeout:         time.Hour,
		StartupTimeout:      2 * time.Second,
		RequestTimeout:      2 * time.Second,
		DrainTimeout:        time.Second,
		ShutdownGrace:       time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		ReadyHealthInterval: time.Hour,
		HealthPath:          "/health",
		UnhealthyThreshold:  3,
	}
	h := backend.NewHandle(cfg)
	table := router.NewTable(map[string]*backend.Handle{"api.local": h})

	rt := &stubRuntime{}
	prober := health.NewProber(4, 10*time.Second)
	m := metrics.New(prometheus.NewRegistry())
	ctrl := lifecycle.New(rt, rt, table, prober, m)

	return proxy.New(table, ctrl, 4, 10*time.Second), h
}

func TestForwarder_ForwardsRequestAndBody(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo-Host", r.Host)
		w.Write(body)
	}))
	defer backendSrv.Close()

	fwd, _ := newForwarder(t, backendSrv.Listener.Addr().String())
	proxySrv := httptest.NewServer(fwd.Handler())
	defer proxySrv.Close()

	req, err := http.NewRequest("POST", proxySrv.URL+"/echo", strings.NewReader("hello world"))
	require.NoError(t, err)
	req.Host = "api.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestForwarder_MapsUnknownHostTo404(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	fwd, _ := newForwarder(t, backendSrv.Listener.Addr().String())
	proxySrv := httptest.NewServer(fwd.Handler())
	defer proxySrv.Close()

	req, err := http.NewRequest("GET", proxySrv.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "unknown.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForwarder_TunnelsWebSocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	}))
	defer backendSrv.Close()

	fwd, _ := newForwarder(t, backendSrv.Listener.Addr().String())
	proxySrv := httptest.NewServer(fwd.Handler())
	defer proxySrv.Close()

	wsURL := "ws" + strings.TrimPrefix(proxySrv.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Host": []string{"api.local"}}
	conn, _, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
}
