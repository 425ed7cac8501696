package proxy

import (
	"io"
	"net"
	"sync"

	"github.com/lichangche/cntlm/internal/logger"
)

// bufferedConn wraps a connection whose first reads must come from an
// already-buffered reader (bytes the peer sent before the tunnel was
// spliced, e.g. a server banner read ahead of the CONNECT response).
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// CloseWrite forwards the half-close to the underlying TCP connection.
func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// wrapBuffered returns conn unchanged when r is nil; otherwise reads drain
// r before reaching conn.
func wrapBuffered(conn net.Conn, r io.Reader) net.Conn {
	if r == nil {
		return conn
	}
	return &bufferedConn{Conn: conn, r: io.MultiReader(r, conn)}
}

// Pump splices two connections bidirectionally until both directions have
// finished. Half-close is honored: when one side EOFs, the opposite write
// half is shut down and the other direction continues to EOF. Both
// connections are closed on return.
func Pump(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyDir := func(dst, src net.Conn) {
		defer wg.Done()
		n, err := io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		if err != nil {
			logger.Debug("Tunnel direction ended with error", "bytes", n, "error", err)
			// a hard error can leave the opposite direction blocked
			_ = a.Close()
			_ = b.Close()
		}
	}

	go copyDir(a, b)
	copyDir(b, a)
	wg.Wait()

	_ = a.Close()
	_ = b.Close()
}
