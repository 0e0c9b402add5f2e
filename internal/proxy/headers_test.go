package proxy

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteHeaders_OverwritesForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	req.Header.Set("X-Forwarded-For", "10.0.0.1, evil.example")

	rewriteHeaders(req, "abc123", false)

	assert.Equal(t, "203.0.113.7", req.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "api.local", req.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", req.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "abc123", req.Header.Get("X-Request-ID"))
}

func TestRewriteHeaders_StripsHopByHop(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.RemoteAddr = "203.0.113.7:1"
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Transfer-Encoding", "chunked")

	rewriteHeaders(req, "abc123", false)

	assert.Empty(t, req.Header.Get("Connection"))
	assert.Empty(t, req.Header.Get("Transfer-Encoding"))
}

func TestRewriteHeaders_PreservesHopByHopOnWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.RemoteAddr = "203.0.113.7:1"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	rewriteHeaders(req, "abc123", true)

	assert.Equal(t, "Upgrade", req.Header.Get("Connection"))
	assert.Equal(t, "websocket", req.Header.Get("Upgrade"))
}

func TestRewriteHeaders_Idempotent(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.RemoteAddr = "203.0.113.7:1"

	rewriteHeaders(req, "abc123", false)
	first := req.Header.Clone()
	rewriteHeaders(req, "abc123", false)

	assert.Equal(t, first, req.Header)
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketUpgrade(req))

	plain := httptest.NewRequest("GET", "http://api.local/", nil)
	assert.False(t, isWebSocketUpgrade(plain))
}

func TestRequestID_EchoesWellFormed(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id-123")
	assert.Equal(t, "caller-supplied-id-123", requestID(req))
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.local/", nil)
	id := requestID(req)
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
}
