package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"

	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/logger"
)

// Direct serves a request straight against the origin named in the URL,
// with the same result contract as Forward. There is no pool: every
// request dials a fresh origin socket.
func (s *Service) Direct(ctx context.Context, client net.Conn, cbr *bufio.Reader, req *httpmsg.Request) Result {
	if s.RequestLogging > 0 {
		logger.InfoCtx(ctx, "Request", "method", req.Method, "uri", req.RequestURI, "route", "direct")
	}
	return s.direct(ctx, client, cbr, req, &forwardState{req: req, keepAlive: ClientKeepAlive(req)})
}

// direct implements Direct; it also serves PAC DIRECT fallbacks arriving
// from Forward, whose state may already hold a buffered body.
func (s *Service) direct(ctx context.Context, client net.Conn, cbr *bufio.Reader, req *httpmsg.Request, st *forwardState) Result {
	target := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))

	d := net.Dialer{Timeout: s.Pool.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.ErrorCtx(ctx, "Direct connection failed", "target", target, "kind", KindTransport.String(), "error", err)
		s.Metrics.RecordRequest("direct-fail")
		_ = writeGatewayError(client)
		return done(false)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	// CONNECT bypasses HTTP entirely: acknowledge and splice. The origin
	// socket is handed to the tunnel and must not be closed here.
	if req.Method == "CONNECT" {
		if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
			_ = conn.Close()
			return fatal()
		}
		s.Metrics.RecordRequest("direct")
		return Result{Outcome: OutcomeUpgrade, Tunnel: conn}
	}
	defer conn.Close()

	out := s.prepareOutbound(req)
	out.Header.Set("Connection", "keep-alive")
	out.Header.Del("Proxy-Connection")
	if err := out.WriteTo(conn, req.OriginForm()); err != nil {
		_ = writeGatewayError(client)
		return done(false)
	}

	if st.bodyBuffered {
		if len(st.bodyBuf) > 0 {
			if _, err := conn.Write(st.bodyBuf); err != nil {
				_ = writeGatewayError(client)
				return done(false)
			}
		}
	} else {
		st.bodyConsumed = true
		if _, err := httpmsg.CopyBody(conn, cbr, req.Body, req.ContentLength); err != nil {
			return fatal()
		}
	}

	s.readDeadline(conn)
	ubr := bufio.NewReader(conn)
	resp, err := httpmsg.ReadResponse(ubr, req.Method)
	if err != nil {
		logger.ErrorCtx(ctx, "Direct response failed", "target", target, "kind", KindTransport.String(), "error", err)
		_ = writeGatewayError(client)
		return done(false)
	}

	if _, err := client.Write(resp.Raw); err != nil {
		return fatal()
	}
	if _, err := httpmsg.CopyBody(client, ubr, resp.Body, resp.ContentLength); err != nil {
		logger.ErrorCtx(ctx, "Direct relay failed", "kind", KindProtocol.String(), "error", err)
		return fatal()
	}

	s.Metrics.RecordRequest("direct")
	return done(st.keepAlive && resp.KeepAlive())
}
