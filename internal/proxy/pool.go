package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lichangche/cntlm/internal/logger"
	"github.com/lichangche/cntlm/pkg/metrics"
)

// fingerprint identifies interchangeable pooled connections: same parent
// endpoint, same authenticated identity.
type fingerprint struct {
	host     string
	port     int
	identity string
}

type idleConn struct {
	conn    net.Conn
	lastUse time.Time
}

// Pool caches upstream connections that have completed an NTLM handshake.
// A pooled connection is idle: no request is outstanding on it and nobody
// reads from it. The single mutex is held only across map operations,
// never across I/O.
type Pool struct {
	mu   sync.Mutex
	idle map[fingerprint][]idleConn

	// DialTimeout bounds upstream connect attempts.
	DialTimeout time.Duration
	// IdleTimeout discards cached connections older than this on
	// acquire. There is no background sweeper.
	IdleTimeout time.Duration

	Metrics *metrics.ProxyMetrics
}

// NewPool creates an empty pool.
func NewPool(dialTimeout, idleTimeout time.Duration) *Pool {
	return &Pool{
		idle:        make(map[fingerprint][]idleConn),
		DialTimeout: dialTimeout,
		IdleTimeout: idleTimeout,
	}
}

// Acquire returns a connection to the upstream for the identity. It pops
// the most recently released connection when one is cached (LIFO keeps
// sockets warm), evicting entries past the idle bound; otherwise it dials.
// fresh is true for a newly dialed, not yet authenticated socket.
func (p *Pool) Acquire(ctx context.Context, up Upstream, identity string) (conn net.Conn, fresh bool, err error) {
	fp := fingerprint{host: up.Host, port: up.Port, identity: identity}

	p.mu.Lock()
	queue := p.idle[fp]
	now := time.Now()
	for len(queue) > 0 {
		last := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if p.IdleTimeout > 0 && now.Sub(last.lastUse) > p.IdleTimeout {
			// stale; close outside the lock
			defer last.conn.Close()
			continue
		}
		p.idle[fp] = queue
		p.mu.Unlock()
		p.Metrics.RecordPoolHit()
		return last.conn, false, nil
	}
	p.idle[fp] = queue
	p.mu.Unlock()

	p.Metrics.RecordPoolMiss()
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err = d.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, false, errKind(KindTransport, "dial "+up.Addr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, true, nil
}

// Release returns a connection to the pool. The caller certifies the
// socket is clean: the handshake completed, the last response said
// keep-alive, and no bytes are pending. A socket whose auth outcome is
// unknown must be discarded instead.
func (p *Pool) Release(conn net.Conn, up Upstream, identity string) {
	fp := fingerprint{host: up.Host, port: up.Port, identity: identity}
	p.mu.Lock()
	p.idle[fp] = append(p.idle[fp], idleConn{conn: conn, lastUse: time.Now()})
	size := len(p.idle[fp])
	p.mu.Unlock()
	logger.Debug("Connection returned to pool", "upstream", up.Addr(), "pool_size", size)
}

// Discard closes a connection unconditionally.
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Len reports the number of idle connections cached for the upstream and
// identity.
func (p *Pool) Len(up Upstream, identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[fingerprint{host: up.Host, port: up.Port, identity: identity}])
}

// CloseAll closes every cached connection. Used at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]net.Conn, 0)
	for fp, queue := range p.idle {
		for _, ic := range queue {
			conns = append(conns, ic.conn)
		}
		delete(p.idle, fp)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
