package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// loggingResponseWriter wraps http.ResponseWriter to capture the status
// code and byte count written by the downstream handler, for the access
// log line logRequests emits. It forwards Hijack to the underlying writer
// so tunnelWebSocket's http.Hijacker type assertion still succeeds through
// the wrapper.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// logRequests emits one structured JSON line per request: method, host,
// status, response size, and latency. It wraps the Forwarder, not the
// other way around, so the request ID it logs is the one requestID already
// minted or echoed inside ServeHTTP (read back from the X-Request-ID
// response header).
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		slog.Info("proxy: request",
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", rr.status,
			"bytes", rr.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}
