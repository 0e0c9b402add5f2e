package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// hopByHop lists the RFC 7230 §6.1 headers stripped before forwarding,
// unless the request is a WebSocket upgrade (spec.md §4.5 step 4).
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// isWebSocketUpgrade reports whether req is an HTTP/1.1 WebSocket upgrade,
// delegating the header-token matching to gorilla/websocket so case and
// comma-separated Connection tokens are handled the same way a real
// WebSocket server would.
func isWebSocketUpgrade(req *http.Request) bool {
	return req.ProtoMajor == 1 && websocket.IsWebSocketUpgrade(req)
}

// rewriteHeaders mutates req's headers in place per spec.md §4.5 step 4:
// X-Forwarded-* are overwritten (never appended, since an untrusted client
// could otherwise inject a forged chain), X-Request-ID is set to id, and
// hop-by-hop headers are stripped unless this is a WebSocket upgrade.
func rewriteHeaders(req *http.Request, id string, websocketUpgrade bool) {
	peerIP := peerAddress(req.RemoteAddr)

	req.Header.Set("X-Forwarded-For", peerIP)
	req.Header.Set("X-Forwarded-Host", req.Host)
	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set("X-Request-ID", id)

	if websocketUpgrade {
		return
	}
	for _, h := range hopByHop {
		req.Header.Del(h)
	}
}

// peerAddress extracts the bare IP from a "host:port" RemoteAddr, falling
// back to the raw value if it cannot be split (e.g. already bare).
func peerAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// requestID implements spec.md §4.5 step 2: echo an inbound X-Request-ID if
// present and well-formed, otherwise mint a fresh 128-bit id as lowercase
// hex (a UUIDv4's hyphen-free hex form satisfies "128-bit random id in
// lowercase hex").
func requestID(req *http.Request) string {
	if existing := req.Header.Get("X-Request-ID"); existing != "" && isWellFormedRequestID(existing) {
		return existing
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// isWellFormedRequestID accepts any token of 1 to 128 ASCII letters, digits,
// '-' or '_'; it deliberately does not require a specific length so a
// caller's own correlation id scheme can pass through untouched.
func isWellFormedRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}
