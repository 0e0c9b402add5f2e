package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/router"
)

const testJWTSecret = "test-secret"

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

type stubNotifier struct {
	notified []string
}

func (n *stubNotifier) NotifyReady(hostname string) {
	n.notified = append(n.notified, hostname)
}

func TestJWTAuth_RejectsMissingHeader(t *testing.T) {
	handler := jwtAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth_RejectsBadToken(t *testing.T) {
	handler := jwtAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth_AcceptsValidToken(t *testing.T) {
	called := false
	handler := jwtAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testJWTSecret))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReady_NotifiesController(t *testing.T) {
	n := &stubNotifier{}
	table := router.NewTable(nil)
	s := New(":0", testJWTSecret, n, table, http.NotFoundHandler())

	req := httptest.NewRequest("POST", "/ready/api.local", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testJWTSecret))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api.local"}, n.notified)
}

func TestHandleReady_RequiresAuth(t *testing.T) {
	n := &stubNotifier{}
	table := router.NewTable(nil)
	s := New(":0", testJWTSecret, n, table, http.NotFoundHandler())

	req := httptest.NewRequest("POST", "/ready/api.local", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, n.notified)
}

func TestHandleStatus_ReportsPerHostSnapshot(t *testing.T) {
	h := backend.NewHandle(&backend.Config{Hostname: "api.local", Port: 8080})
	h.Mu.Lock()
	h.State.Phase = backend.Ready
	h.InFlight = 2
	h.Mu.Unlock()

	table := router.NewTable(map[string]*backend.Handle{"api.local": h})
	s := New(":0", testJWTSecret, &stubNotifier{}, table, http.NotFoundHandler())

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testJWTSecret))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Hosts, 1)
	assert.Equal(t, "api.local", got.Hosts[0].Hostname)
	assert.Equal(t, "ready", got.Hosts[0].State)
	assert.Equal(t, 2, got.Hosts[0].InFlight)
}

func TestMetricsEndpoint_IsUnauthenticated(t *testing.T) {
	metricsCalled := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metricsCalled = true
		w.WriteHeader(http.StatusOK)
	})
	table := router.NewTable(nil)
	s := New(":0", testJWTSecret, &stubNotifier{}, table, metrics)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.True(t, metricsCalled)
	assert.Equal(t, http.StatusOK, rec.Code)
}
