package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/logger"
	"github.com/lichangche/cntlm/pkg/metrics"
)

// ListenerKind routes an accepted connection to its worker type.
type ListenerKind int

const (
	// ListenerProxy serves HTTP proxy requests.
	ListenerProxy ListenerKind = iota
	// ListenerSOCKS serves SOCKS5 clients.
	ListenerSOCKS
	// ListenerTunnel splices every connection to a fixed target.
	ListenerTunnel
)

func (k ListenerKind) String() string {
	switch k {
	case ListenerProxy:
		return "proxy"
	case ListenerSOCKS:
		return "socks5"
	case ListenerTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// ListenerSpec describes one service port before binding.
type ListenerSpec struct {
	Kind ListenerKind
	Addr string
	// Target is the fixed "host:port" for tunnel listeners.
	Target string
}

// ServerConfig holds the dispatcher's runtime knobs.
type ServerConfig struct {
	// Serialize runs workers inline on the acceptor for deterministic
	// tracing. Debug aid; throughput goes to one request at a time.
	Serialize bool

	// ShutdownTimeout bounds the drain of active workers after the
	// first shutdown signal.
	ShutdownTimeout time.Duration
}

// Server owns the listener sockets and dispatches accepted connections to
// proxy, SOCKS5 and tunnel workers. Graceful shutdown stops accepting and
// drains in-flight workers; a second trigger force-closes everything.
type Server struct {
	Config  ServerConfig
	Service *Service
	// SOCKSUsers is the SOCKS5 credential table; empty means no auth.
	SOCKSUsers map[string]string

	Metrics *metrics.ProxyMetrics

	listeners []net.Listener
	specs     []ListenerSpec

	activeConns  sync.WaitGroup
	shutdownOnce sync.Once
	// Shutdown signals the accept loops to stop.
	Shutdown chan struct{}
	// ConnCount tracks active workers.
	ConnCount atomic.Int32
	// ActiveConnections maps remote address to net.Conn for forced
	// closure on the second shutdown signal.
	ActiveConnections sync.Map

	// ListenersReady is closed once every listener is bound; tests
	// synchronize on it.
	ListenersReady chan struct{}
	listenerMu     sync.RWMutex
}

// NewServer creates a stopped server for the given service.
func NewServer(cfg ServerConfig, svc *Service) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		Config:         cfg,
		Service:        svc,
		Shutdown:       make(chan struct{}),
		ListenersReady: make(chan struct{}),
	}
}

// Bind opens every listener. Called once before Serve; a bind failure is
// a startup error and closes whatever was already bound.
func (srv *Server) Bind(specs []ListenerSpec) error {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()

	for _, spec := range specs {
		l, err := net.Listen("tcp", spec.Addr)
		if err != nil {
			for _, open := range srv.listeners {
				_ = open.Close()
			}
			srv.listeners = nil
			return fmt.Errorf("failed to bind %s listener on %s: %w", spec.Kind, spec.Addr, err)
		}
		logger.Info("Listener bound", "kind", spec.Kind.String(), "address", l.Addr().String(), "target", spec.Target)
		srv.listeners = append(srv.listeners, l)
		srv.specs = append(srv.specs, spec)
	}
	close(srv.ListenersReady)
	return nil
}

// ListenerAddrs returns the bound addresses in spec order. Blocks until
// Bind completed; used by tests.
func (srv *Server) ListenerAddrs() []string {
	<-srv.ListenersReady
	srv.listenerMu.RLock()
	defer srv.listenerMu.RUnlock()
	addrs := make([]string, len(srv.listeners))
	for i, l := range srv.listeners {
		addrs[i] = l.Addr().String()
	}
	return addrs
}

// Serve runs the accept loops until the context is cancelled, then drains
// active workers. A drain timeout force-closes the stragglers.
func (srv *Server) Serve(ctx context.Context) error {
	srv.listenerMu.RLock()
	listeners := srv.listeners
	specs := srv.specs
	srv.listenerMu.RUnlock()
	if len(listeners) == 0 {
		return fmt.Errorf("no listeners bound")
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, draining workers", "active", srv.ConnCount.Load())
		srv.initiateShutdown()
	}()

	var acceptors sync.WaitGroup
	for i := range listeners {
		acceptors.Add(1)
		go func(l net.Listener, spec ListenerSpec) {
			defer acceptors.Done()
			srv.acceptLoop(ctx, l, spec)
		}(listeners[i], specs[i])
	}
	acceptors.Wait()

	return srv.drain()
}

// acceptLoop accepts connections on one listener and dispatches workers.
func (srv *Server) acceptLoop(ctx context.Context, l net.Listener, spec ListenerSpec) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-srv.Shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Debug("Accept failed", "kind", spec.Kind.String(), "error", err)
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		srv.activeConns.Add(1)
		srv.ConnCount.Add(1)
		addr := conn.RemoteAddr().String()
		srv.ActiveConnections.Store(addr, conn)
		srv.Metrics.RecordConnectionAccepted(spec.Kind.String())
		srv.Metrics.SetActiveConnections(srv.ConnCount.Load())

		// every worker's records carry this id, so one client's
		// handshake and relay lines can be followed in the shared log
		connCtx := logger.WithConn(ctx, uuid.NewString())
		logger.DebugCtx(connCtx, "Connection accepted", "kind", spec.Kind.String(), "address", addr, "active", srv.ConnCount.Load())

		worker := func() {
			defer func() {
				_ = conn.Close()
				srv.ActiveConnections.Delete(addr)
				srv.activeConns.Done()
				srv.ConnCount.Add(-1)
				srv.Metrics.RecordConnectionClosed()
				srv.Metrics.SetActiveConnections(srv.ConnCount.Load())
				logger.DebugCtx(connCtx, "Connection closed", "kind", spec.Kind.String(), "address", addr, "active", srv.ConnCount.Load())
			}()
			srv.dispatch(connCtx, conn, spec)
		}

		if srv.Config.Serialize {
			worker()
		} else {
			go worker()
		}
	}
}

// dispatch routes one accepted connection to its worker.
func (srv *Server) dispatch(ctx context.Context, conn net.Conn, spec ListenerSpec) {
	switch spec.Kind {
	case ListenerProxy:
		srv.serveProxyConn(ctx, conn)
	case ListenerSOCKS:
		srv.Service.ServeSOCKS5(ctx, conn, srv.SOCKSUsers)
	case ListenerTunnel:
		srv.serveTunnelConn(ctx, conn, spec.Target)
	}
}

// serveProxyConn reads requests off one client connection, routing each
// to the direct or forwarding path by the no-proxy set, until keep-alive
// ends or a request upgrades to a tunnel.
func (srv *Server) serveProxyConn(ctx context.Context, conn net.Conn) {
	svc := srv.Service
	cbr := bufio.NewReader(conn)

	for {
		req, err := httpmsg.ReadRequest(cbr)
		if err != nil {
			if err != io.EOF {
				logger.DebugCtx(ctx, "Client request failed", "error", err)
			}
			return
		}

		var res Result
		if svc.NoProxy.Match(req.Host) || svc.Upstreams.Len() == 0 && svc.PAC == nil {
			res = svc.Direct(ctx, conn, cbr, req)
		} else {
			res = svc.Forward(ctx, conn, cbr, req)
		}

		switch res.Outcome {
		case OutcomeUpgrade:
			Pump(conn, res.Tunnel)
			return
		case OutcomeDone:
			if !res.KeepAlive {
				return
			}
		default:
			return
		}
	}
}

// serveTunnelConn splices a fixed-target listener connection; the
// direct-versus-parent decision lives in ConnectTarget.
func (srv *Server) serveTunnelConn(ctx context.Context, conn net.Conn, target string) {
	upstream, err := srv.Service.ConnectTarget(ctx, target)
	if err != nil {
		logger.ErrorCtx(ctx, "Tunnel connect failed", "target", target, "kind", KindOf(err).String(), "error", err)
		return
	}
	srv.Metrics.RecordRequest("tunnel")
	Pump(conn, upstream)
}

// initiateShutdown stops the accept loops and closes the listeners. Safe
// to call more than once.
func (srv *Server) initiateShutdown() {
	srv.shutdownOnce.Do(func() {
		close(srv.Shutdown)
		srv.listenerMu.RLock()
		for _, l := range srv.listeners {
			_ = l.Close()
		}
		srv.listenerMu.RUnlock()
	})
}

// drain waits for active workers, force-closing their connections when
// the shutdown timeout passes.
func (srv *Server) drain() error {
	done := make(chan struct{})
	go func() {
		srv.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Graceful shutdown complete")
		return nil
	case <-time.After(srv.Config.ShutdownTimeout):
		remaining := srv.ConnCount.Load()
		logger.Warn("Shutdown timeout exceeded, forcing closure", "active", remaining)
		srv.ActiveConnections.Range(func(_, value any) bool {
			if conn, ok := value.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})
		<-done
		return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
	}
}

// ForceStop closes everything immediately: the second-signal path.
func (srv *Server) ForceStop() {
	srv.initiateShutdown()
	srv.ActiveConnections.Range(func(_, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.Close()
		}
		return true
	})
	srv.Service.Pool.CloseAll()
}
