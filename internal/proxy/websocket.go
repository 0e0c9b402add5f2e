package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// tunnelWebSocket implements spec.md §4.5 step 5: dial the backend directly
// (bypassing the pooled HTTP client), replay the upgrade request, and splice
// the two raw TCP connections once the backend answers 101. guard is held
// for the entire tunnel lifetime by the caller via defer.
func tunnelWebSocket(ctx context.Context, w http.ResponseWriter, req *http.Request, port int) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("proxy: response writer does not support hijacking")
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return fmt.Errorf("proxy: hijack failed: %w", err)
	}
	defer clientConn.Close()

	var dialer net.Dialer
	backendConn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%w: dialing backend: %v", errConnectionFailed, err)
	}
	defer backendConn.Close()

	if err := req.Write(backendConn); err != nil {
		return fmt.Errorf("%w: writing upgrade request: %v", errConnectionFailed, err)
	}

	backendReader := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendReader, req)
	if err != nil {
		return fmt.Errorf("%w: reading upgrade response: %v", errConnectionFailed, err)
	}

	if err := resp.Write(clientConn); err != nil {
		return fmt.Errorf("%w: forwarding upgrade response: %v", errConnectionFailed, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		// Not a successful upgrade: the response has already been forwarded
		// verbatim, nothing left to splice.
		return nil
	}

	splice(ctx, clientConn, clientBuf, backendConn, backendReader)
	return nil
}

// splice copies bytes bidirectionally between the two already-upgraded
// connections until either side closes or ctx is cancelled. The forwarder
// passes the inbound request's context, which proxy shutdown does not
// cancel, so an open tunnel is not closed by shutdown itself. Any
// buffered-but-unread bytes the hijack left behind are
// drained first so nothing is lost mid-handshake.
func splice(ctx context.Context, client net.Conn, clientBuf *bufio.ReadWriter, backend net.Conn, backendReader *bufio.Reader) {
	done := make(chan struct{})
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			client.Close()
			backend.Close()
			close(done)
		})
	}

	go func() {
		defer closeAll()
		if clientBuf.Reader.Buffered() > 0 {
			_, _ = io.CopyN(backend, clientBuf.Reader, int64(clientBuf.Reader.Buffered()))
		}
		_, _ = io.Copy(backend, client)
	}()
	go func() {
		defer closeAll()
		if backendReader.Buffered() > 0 {
			_, _ = io.CopyN(client, backendReader, int64(backendReader.Buffered()))
		}
		_, _ = io.Copy(client, backend)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		closeAll()
		slog.Debug("proxy: websocket tunnel cancelled")
	}
}
