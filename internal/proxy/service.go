package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lichangche/cntlm/internal/auth"
	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/logger"
	"github.com/lichangche/cntlm/internal/netutil"
	"github.com/lichangche/cntlm/internal/paceval"
	"github.com/lichangche/cntlm/pkg/metrics"
)

// DefaultBodyBufferLimit is the largest request body buffered in memory so
// it can be replayed after an authentication challenge. Larger (or
// unsized) bodies are preceded by a bodyless preflight instead.
const DefaultBodyBufferLimit = 1 << 20

// HeaderSub is a configured header substitution applied to every
// forwarded request: the field is added, replacing any client-sent value.
type HeaderSub struct {
	Name  string
	Value string
}

// ScannerConfig is the opt-in interstitial-following workaround for
// upstream file scanners that park downloads behind a refresh page.
type ScannerConfig struct {
	// Agents holds User-Agent glob patterns that arm the shim.
	Agents *netutil.GlobList
	// MaxSizeKiB bounds the interstitial body that will be inspected.
	// The follow-up download is relayed without a size bound.
	MaxSizeKiB int64
}

// Enabled reports whether the shim is armed.
func (c ScannerConfig) Enabled() bool {
	return c.MaxSizeKiB > 0 && !c.Agents.Empty()
}

// Service bundles the immutable state shared by all workers: credentials,
// upstream list, pool, policies. It is read-only after startup; the pool
// carries its own lock.
type Service struct {
	Creds     *auth.Credential
	Negotiate *auth.NegotiateProvider // non-nil only for the gss policy

	Pool      *Pool
	Upstreams *UpstreamList
	NoProxy   *netutil.GlobList
	PAC       *paceval.Serialized

	HeaderSubs  []HeaderSub
	NTLMToBasic bool
	Scanner     ScannerConfig

	// BodyBufferLimit overrides DefaultBodyBufferLimit when positive.
	BodyBufferLimit int64

	// ReadTimeout bounds individual socket reads; zero disables.
	ReadTimeout time.Duration

	// RequestLogging logs method and URL per request when positive.
	RequestLogging int

	Metrics *metrics.ProxyMetrics
}

func (s *Service) bodyLimit() int64 {
	if s.BodyBufferLimit > 0 {
		return s.BodyBufferLimit
	}
	return DefaultBodyBufferLimit
}

// Outcome is the tagged result of serving one request.
type Outcome int

const (
	// OutcomeDone completed the request; KeepAlive tells the caller
	// whether to read another request from the client.
	OutcomeDone Outcome = iota
	// OutcomeUpgrade turned the connection into a byte pump; the caller
	// must splice Tunnel against the client and stop parsing HTTP.
	OutcomeUpgrade
	// OutcomeFatal ends the worker; both sockets are dead.
	OutcomeFatal
)

// Result is returned by the forwarders for every request.
type Result struct {
	Outcome   Outcome
	KeepAlive bool
	// Tunnel is the upstream side of an upgraded CONNECT; any bytes the
	// upstream sent ahead are already folded into its Read stream.
	Tunnel net.Conn
}

func done(keepAlive bool) Result { return Result{Outcome: OutcomeDone, KeepAlive: keepAlive} }
func fatal() Result              { return Result{Outcome: OutcomeFatal} }

// ClientKeepAlive reports whether the client asked to keep its connection
// open after this request.
func ClientKeepAlive(req *httpmsg.Request) bool {
	if req.Header.TokenIs("Proxy-Connection", "close") || req.Header.TokenIs("Connection", "close") {
		return false
	}
	if req.Proto == "HTTP/1.1" {
		return true
	}
	return req.Header.TokenIs("Proxy-Connection", "keep-alive") ||
		req.Header.TokenIs("Connection", "keep-alive")
}

// upstreamsFor resolves the failover sequence for a request: the PAC
// evaluator when configured, the static parent list otherwise.
func (s *Service) upstreamsFor(req *httpmsg.Request) []Upstream {
	if s.PAC != nil {
		results, err := s.PAC.FindProxy(req.RequestURI, req.Host)
		if err != nil {
			logger.Warn("PAC evaluation failed, using static parents", "host", req.Host, "error", err)
		} else if list := fromPAC(results); len(list) > 0 {
			return list
		}
	}
	return s.Upstreams.Sequence()
}

// prepareOutbound builds the request sent upstream: hop-by-hop headers
// stripped, configured substitutions applied, keep-alive forced on the
// proxy side. The client's original request is left untouched.
func (s *Service) prepareOutbound(req *httpmsg.Request) *httpmsg.Request {
	out := &httpmsg.Request{
		Method:        req.Method,
		RequestURI:    req.RequestURI,
		Proto:         req.Proto,
		Host:          req.Host,
		Port:          req.Port,
		Header:        req.Header.Clone(),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	stripHopByHop(&out.Header)
	for _, sub := range s.HeaderSubs {
		out.Header.Set(sub.Name, sub.Value)
	}
	out.Header.Set("Proxy-Connection", "keep-alive")
	return out
}

// stripHopByHop removes headers owned by the client-to-proxy hop: the
// client's proxy auth, its connection tokens, and everything the
// Connection header names.
func stripHopByHop(h *httpmsg.Header) {
	for _, name := range h.Values("Connection") {
		for _, tok := range strings.Split(name, ",") {
			if tok = strings.TrimSpace(tok); tok != "" && !strings.EqualFold(tok, "close") && !strings.EqualFold(tok, "keep-alive") {
				h.Del(tok)
			}
		}
	}
	h.Del("Proxy-Authorization")
	h.Del("Proxy-Connection")
	h.Del("Connection")
}

// proxyAuthValue extracts the base64 payload of a Proxy-Authenticate
// challenge for the given scheme, with case-insensitive scheme matching.
// ok is false when no challenge for the scheme is present; the payload
// may be empty for a bare scheme offer.
func proxyAuthValue(h *httpmsg.Header, scheme string) (payload string, ok bool) {
	for _, v := range h.Values("Proxy-Authenticate") {
		got, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		if strings.EqualFold(got, scheme) {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// writeSimple sends a synthesized response with a short body.
func writeSimple(w io.Writer, code int, status, body string, extra ...HeaderSub) error {
	resp := &httpmsg.Response{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Status:     status,
	}
	resp.Header.Set("Content-Type", "text/html")
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	for _, e := range extra {
		resp.Header.Add(e.Name, e.Value)
	}
	if err := resp.WriteTo(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, body)
	return err
}

const (
	deniedBody = "<html><body><h1>Proxy denied your request</h1><p>Authentication against the parent proxy failed.</p></body></html>\n"
	errorBody  = "<html><body><h1>Proxy error</h1><p>The parent proxy could not be reached or returned garbage.</p></body></html>\n"
)

// writeAuthDenied synthesizes the 407 sent to the client after the parent
// rejected the Type 3 message. offerBasic adds the Basic challenge used
// by the NTLM-to-basic mode.
func writeAuthDenied(w io.Writer, offerBasic bool) error {
	extra := []HeaderSub{{Name: "Proxy-Connection", Value: "keep-alive"}}
	if offerBasic {
		extra = append(extra, HeaderSub{Name: "Proxy-Authenticate", Value: "Basic realm=\"Cntlm Proxy\""})
	}
	return writeSimple(w, 407, "Proxy Authentication Required", deniedBody, extra...)
}

// writeGatewayError synthesizes the 502 sent on upstream protocol or
// transport failures.
func writeGatewayError(w io.Writer) error {
	return writeSimple(w, 502, "Bad Gateway", errorBody,
		HeaderSub{Name: "Connection", Value: "close"})
}

// readDeadline arms the per-read timeout on a connection.
func (s *Service) readDeadline(conn net.Conn) {
	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
}

// clearDeadline removes read deadlines before a connection is pooled or
// spliced into a tunnel.
func clearDeadline(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
}

// ntlmAuthorization renders a Proxy-Authorization value for a message.
func ntlmAuthorization(msg []byte) string {
	return "NTLM " + base64.StdEncoding.EncodeToString(msg)
}

// ConnectTarget opens a raw byte stream to target ("host:port"): a direct
// dial when the hostname is in the no-proxy set or no parents are
// configured, otherwise an authenticated CONNECT through the first parent
// that accepts. Used by the SOCKS5 front-end and fixed-target tunnels.
func (s *Service) ConnectTarget(ctx context.Context, target string) (net.Conn, error) {
	host, _ := netutil.HostPort(target, 0)
	if s.NoProxy.Match(host) || s.Upstreams.Len() == 0 {
		d := net.Dialer{Timeout: s.Pool.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, errKind(KindTransport, "dial "+target, err)
		}
		return conn, nil
	}

	var lastErr error
	for _, up := range s.Upstreams.Sequence() {
		if up.Kind == KindDirect {
			d := net.Dialer{Timeout: s.Pool.DialTimeout}
			conn, err := d.DialContext(ctx, "tcp", target)
			if err != nil {
				lastErr = err
				continue
			}
			return conn, nil
		}
		conn, err := s.connectVia(ctx, up, target)
		if err != nil {
			lastErr = err
			logger.Debug("CONNECT via parent failed", "parent", up.Addr(), "target", target, "error", err)
			continue
		}
		s.Upstreams.MarkGood(up)
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstreams configured")
	}
	return nil, errKind(KindUpstreamExhausted, "connect "+target, lastErr)
}

// connectVia dials the parent and drives an authenticated CONNECT for the
// target. The socket never touches the pool: a tunnel consumes it.
func (s *Service) connectVia(ctx context.Context, up Upstream, target string) (net.Conn, error) {
	d := net.Dialer{Timeout: s.Pool.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, errKind(KindTransport, "dial "+up.Addr(), err)
	}

	req := &httpmsg.Request{
		Method:     "CONNECT",
		RequestURI: target,
		Proto:      "HTTP/1.1",
	}
	req.Header.Set("Host", target)
	req.Header.Set("Proxy-Connection", "keep-alive")

	ubr := bufio.NewReader(conn)
	send := func(r *httpmsg.Request) error {
		if werr := r.WriteTo(conn, ""); werr != nil {
			return errKind(KindTransport, "send connect", werr)
		}
		return nil
	}
	readResp := func(method string) (*httpmsg.Response, error) {
		s.readDeadline(conn)
		resp, rerr := httpmsg.ReadResponse(ubr, method)
		if rerr != nil {
			return nil, errKind(KindTransport, "read connect response", rerr)
		}
		return resp, nil
	}
	resp, err := s.handshakeBuffered(conn, ubr, up, req, s.Creds, send, readResp)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = conn.Close()
		return nil, errKind(KindAuthDenied, "connect "+target,
			fmt.Errorf("parent answered %d", resp.StatusCode))
	}
	clearDeadline(conn)
	if ubr.Buffered() > 0 {
		return wrapBuffered(conn, io.LimitReader(ubr, int64(ubr.Buffered()))), nil
	}
	return conn, nil
}
