package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lichangche/cntlm/internal/auth"
	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/logger"
	"github.com/lichangche/cntlm/internal/ntlm"
)

// Forward drives one client request through the parent proxy: upstream
// selection, pool checkout, the NTLM handshake when the socket is fresh,
// request relay, response relay, and the keep-alive decision. It returns
// how the caller should proceed with the client connection.
func (s *Service) Forward(ctx context.Context, client net.Conn, cbr *bufio.Reader, req *httpmsg.Request) Result {
	if s.RequestLogging > 0 {
		logger.InfoCtx(ctx, "Request", "method", req.Method, "uri", req.RequestURI)
	}

	creds := s.Creds

	// NTLM-to-basic: mint per-request credentials from the client's own
	// Basic authorization, challenging when absent.
	if s.NTLMToBasic {
		if user, pass, ok := auth.DecodeBasic(req.Header.Get("Proxy-Authorization")); ok {
			derived := creds.WithBasic(user, pass)
			defer derived.Wipe()
			creds = derived
		} else if !creds.PassesAny() {
			if err := req.DrainOn(cbr); err != nil {
				return fatal()
			}
			if writeAuthDenied(client, true) != nil {
				return fatal()
			}
			return done(ClientKeepAlive(req))
		}
	}

	if !creds.PassesAny() && s.Negotiate == nil {
		logger.ErrorCtx(ctx, "No usable credentials for upstream authentication")
		_ = writeGatewayError(client)
		return done(false)
	}

	// Buffer the request body once, before failover, when it is small
	// enough to replay across an authentication challenge. Larger or
	// unsized bodies go through a bodyless preflight instead.
	st := &forwardState{req: req, keepAlive: ClientKeepAlive(req)}
	switch req.Body {
	case httpmsg.BodyNone:
		st.bodyBuffered = true
	case httpmsg.BodyLength:
		if req.ContentLength <= s.bodyLimit() {
			buf, _, err := httpmsg.BufferBody(cbr, req.Body, req.ContentLength, s.bodyLimit())
			if err != nil {
				return fatal()
			}
			st.bodyBuf = buf
			st.bodyBuffered = true
			st.bodyConsumed = true
		}
	}

	ups := s.upstreamsFor(req)
	if len(ups) == 0 {
		logger.ErrorCtx(ctx, "No parent proxies available", "host", req.Host)
		_ = writeGatewayError(client)
		return done(false)
	}

	var lastErr error
	for _, up := range ups {
		if up.Kind == KindDirect {
			return s.direct(ctx, client, cbr, req, st)
		}
		res, err := s.forwardVia(ctx, client, cbr, up, creds, st)
		if err == nil {
			s.Upstreams.MarkGood(up)
			s.Metrics.RecordRequest("forward")
			return res
		}
		lastErr = err
		s.Metrics.RecordUpstreamFailure(up.Addr())
		logger.ErrorCtx(ctx, "Parent proxy failed", "parent", up.Addr(), "kind", KindOf(err).String(), "error", err)
		if st.relayed || st.bodyConsumed && !st.bodyBuffered {
			// failover is forbidden once response bytes reached the
			// client or the request body cannot be replayed
			break
		}
	}

	logger.ErrorCtx(ctx, "All parent proxies failed", "host", req.Host, "kind", KindUpstreamExhausted.String(), "error", lastErr)
	s.Metrics.RecordRequest("exhausted")
	if !st.relayed {
		_ = writeGatewayError(client)
	}
	return done(false)
}

// forwardState carries per-request bookkeeping across failover attempts.
type forwardState struct {
	req       *httpmsg.Request
	keepAlive bool

	// bodyBuf holds the replayable body bytes when bodyBuffered.
	bodyBuf      []byte
	bodyBuffered bool
	// bodyConsumed is set once client body bytes left the client reader.
	bodyConsumed bool
	// relayed is set once any response byte reached the client.
	relayed bool
}

// forwardVia serves the request through one parent. A returned error
// means nothing reached the client and the caller may fail over. Stale
// pooled connections are retried once with a fresh dial.
func (s *Service) forwardVia(ctx context.Context, client net.Conn, cbr *bufio.Reader, up Upstream, creds *auth.Credential, st *forwardState) (Result, error) {
	for attempt := 0; ; attempt++ {
		var conn net.Conn
		fresh := true
		var err error
		if attempt == 0 {
			conn, fresh, err = s.Pool.Acquire(ctx, up, creds.Fingerprint())
		} else {
			// bypass the idle queue: its other entries may be just as stale
			d := net.Dialer{Timeout: s.Pool.DialTimeout}
			if conn, err = d.DialContext(ctx, "tcp", up.Addr()); err != nil {
				err = errKind(KindTransport, "dial "+up.Addr(), err)
			}
		}
		if err != nil {
			return Result{}, err
		}

		res, stale, err := s.tryRequest(client, cbr, conn, bufio.NewReader(conn), up, creds, fresh, st)
		if stale && attempt == 0 {
			// reused socket died before anything was committed
			s.Pool.Discard(conn)
			continue
		}
		if err != nil {
			s.Pool.Discard(conn)
			return Result{}, err
		}
		return res, nil
	}
}

// tryRequest runs the request/handshake/relay cycle on one upstream
// socket. stale=true asks the caller to retry on a fresh connection.
func (s *Service) tryRequest(client net.Conn, cbr *bufio.Reader, conn net.Conn, ubr *bufio.Reader, up Upstream, creds *auth.Credential, fresh bool, st *forwardState) (Result, bool, error) {
	out := s.prepareOutbound(st.req)
	isConnect := st.req.Method == "CONNECT"

	readResp := func(method string) (*httpmsg.Response, error) {
		s.readDeadline(conn)
		resp, err := httpmsg.ReadResponse(ubr, method)
		if err != nil {
			if errors.Is(err, httpmsg.ErrMalformed) {
				return nil, errKind(KindMalformed, "read upstream response", err)
			}
			return nil, errKind(KindTransport, "read upstream response", err)
		}
		return resp, nil
	}

	sendBuffered := func(r *httpmsg.Request) error {
		if err := r.WriteTo(conn, ""); err != nil {
			return errKind(KindTransport, "send request", err)
		}
		if len(st.bodyBuf) > 0 {
			if _, err := conn.Write(st.bodyBuf); err != nil {
				return errKind(KindTransport, "send request body", err)
			}
		}
		return nil
	}

	var resp *httpmsg.Response
	var err error
	degraded := false

	switch {
	case fresh && st.bodyBuffered:
		// Type 1 rides the real request; on 407 the challenge comes
		// back, the body is replayed with Type 3.
		resp, err = s.handshakeBuffered(conn, ubr, up, out, creds, sendBuffered, readResp)

	case fresh:
		// Streaming body: drive the handshake on a bodyless probe
		// first, then send the real request once authenticated.
		resp, degraded, err = s.handshakePreflight(conn, ubr, cbr, up, out, creds, readResp, st)

	default:
		// Reused, already-authenticated socket.
		if st.bodyBuffered {
			if err = sendBuffered(out); err != nil {
				return Result{}, true, err
			}
		} else {
			if err = out.WriteTo(conn, ""); err != nil {
				return Result{}, true, err
			}
			st.bodyConsumed = true
			if _, cerr := httpmsg.CopyBody(conn, cbr, st.req.Body, st.req.ContentLength); cerr != nil {
				return Result{}, false, errKind(KindTransport, "stream request body", cerr)
			}
		}
		resp, err = readResp(out.Method)
		if err != nil && (st.bodyBuffered || !st.bodyConsumed) {
			// stale keep-alive socket and a replayable request; retry fresh
			return Result{}, true, err
		}
		if err == nil && resp.StatusCode == 407 {
			// the parent forgot us; restart the handshake on this
			// socket when the body can be replayed
			if !st.bodyBuffered {
				s.Metrics.RecordHandshake(false)
				return s.denyAuth(client, conn, st)
			}
			if derr := httpmsg.DrainBody(ubr, resp.Body, resp.ContentLength); derr != nil {
				return Result{}, false, errKind(KindTransport, "drain 407 body", derr)
			}
			resp, err = s.handshakeBuffered(conn, ubr, up, out, creds, sendBuffered, readResp)
		}
	}

	if err != nil {
		switch KindOf(err) {
		case KindAuthDenied:
			s.Metrics.RecordHandshake(false)
			return s.denyAuth(client, conn, st)
		case KindBadChallenge, KindMalformed:
			s.Pool.Discard(conn)
			_ = writeGatewayError(client)
			st.relayed = true
			return done(false), false, nil
		default:
			return Result{}, false, err
		}
	}

	if fresh {
		s.Metrics.RecordHandshake(true)
	}

	// CONNECT upgrade: a 2xx turns both sockets into a byte pump.
	if isConnect && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, werr := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); werr != nil {
			s.Pool.Discard(conn)
			return fatal(), false, nil
		}
		st.relayed = true
		clearDeadline(conn)
		var leftover io.Reader
		if ubr.Buffered() > 0 {
			leftover = io.LimitReader(ubr, int64(ubr.Buffered()))
		}
		return Result{Outcome: OutcomeUpgrade, Tunnel: wrapBuffered(conn, leftover)}, false, nil
	}

	// Scanner shim: optionally follow a scanner interstitial before
	// relaying anything to the client.
	body := newBodyRelay(ubr, resp)
	if s.Scanner.Enabled() && !isConnect {
		if replaced, rerr := s.scannerHook(conn, ubr, st.req, out, &resp, body); rerr != nil {
			return Result{}, false, rerr
		} else if replaced {
			body = newBodyRelay(ubr, resp)
		}
	}

	// Relay the response verbatim: raw header bytes, then the body with
	// its original framing.
	if _, werr := client.Write(resp.Raw); werr != nil {
		s.Pool.Discard(conn)
		return fatal(), false, nil
	}
	st.relayed = true

	copyOK := true
	if cerr := body.relay(client); cerr != nil {
		copyOK = false
		logger.Error("Response relay failed", "kind", KindProtocol.String(), "error", cerr)
	}

	// Keep-alive decision: the socket goes back to the pool only when
	// the response framing closed cleanly and the upstream agreed to
	// keep the connection.
	if copyOK && !degraded && resp.KeepAlive() {
		clearDeadline(conn)
		s.Pool.Release(conn, up, creds.Fingerprint())
	} else {
		s.Pool.Discard(conn)
	}

	if !copyOK {
		return fatal(), false, nil
	}
	if degraded {
		return done(false), false, nil
	}
	return done(st.keepAlive), false, nil
}

// handshakeBuffered performs Type 1 / Type 3 with the real request,
// replaying the buffered body after the challenge. The final response is
// returned; a second 407 surfaces as auth-denied.
func (s *Service) handshakeBuffered(conn net.Conn, ubr *bufio.Reader, up Upstream, out *httpmsg.Request, creds *auth.Credential,
	send func(*httpmsg.Request) error, readResp func(string) (*httpmsg.Response, error)) (*httpmsg.Response, error) {

	authHdr, err := s.initialAuth(up, creds)
	if err != nil {
		return nil, err
	}
	out.Header.Set("Proxy-Authorization", authHdr)
	if err := send(out); err != nil {
		return nil, err
	}
	resp, err := readResp(out.Method)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 407 {
		return resp, nil
	}

	t3, err := s.answerChallenge(ubr, resp, creds)
	if err != nil {
		return nil, err
	}
	out.Header.Set("Proxy-Authorization", t3)
	if err := send(out); err != nil {
		return nil, err
	}
	resp, err = readResp(out.Method)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 407 {
		return nil, errKind(KindAuthDenied, "authenticate", fmt.Errorf("parent rejected the Type 3 response"))
	}
	return resp, nil
}

// handshakePreflight authenticates with a bodyless probe, then streams
// the real request. degraded=true means the parent never challenged and
// the probe's response was taken as final, so the client body was never
// sent and the connection must wind down.
func (s *Service) handshakePreflight(conn net.Conn, ubr, cbr *bufio.Reader, up Upstream, out *httpmsg.Request, creds *auth.Credential,
	readResp func(string) (*httpmsg.Response, error), st *forwardState) (*httpmsg.Response, bool, error) {

	authHdr, err := s.initialAuth(up, creds)
	if err != nil {
		return nil, false, err
	}

	probe := &httpmsg.Request{
		Method:     out.Method,
		RequestURI: out.RequestURI,
		Proto:      out.Proto,
		Header:     out.Header.Clone(),
	}
	probe.Header.Del("Transfer-Encoding")
	probe.Header.Set("Content-Length", "0")
	probe.Header.Set("Proxy-Authorization", authHdr)

	if err := probe.WriteTo(conn, ""); err != nil {
		return nil, false, errKind(KindTransport, "send probe", err)
	}
	resp, err := readResp(probe.Method)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != 407 {
		// the parent required no auth and forwarded the bodyless probe
		logger.Warn("Parent skipped authentication on a streamed request; response answers a bodyless probe",
			"method", out.Method, "uri", out.RequestURI)
		return resp, true, nil
	}

	t3, err := s.answerChallenge(ubr, resp, creds)
	if err != nil {
		return nil, false, err
	}
	out.Header.Set("Proxy-Authorization", t3)
	if err := out.WriteTo(conn, ""); err != nil {
		return nil, false, errKind(KindTransport, "send request", err)
	}
	st.bodyConsumed = true
	if _, cerr := httpmsg.CopyBody(conn, cbr, st.req.Body, st.req.ContentLength); cerr != nil {
		return nil, false, errKind(KindTransport, "stream request body", cerr)
	}
	resp, err = readResp(out.Method)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == 407 {
		return nil, false, errKind(KindAuthDenied, "authenticate", fmt.Errorf("parent rejected the Type 3 response"))
	}
	return resp, false, nil
}

// answerChallenge validates a 407, drains its body from the same socket,
// and renders the Type 3 authorization value. The socket must not change
// between the challenge and the answer: the parent binds auth state to
// the TCP connection.
func (s *Service) answerChallenge(ubr *bufio.Reader, resp *httpmsg.Response, creds *auth.Credential) (string, error) {
	if s.Negotiate != nil {
		return "", errKind(KindAuthDenied, "authenticate", fmt.Errorf("parent rejected the Negotiate token"))
	}
	payload, ok := proxyAuthValue(&resp.Header, "NTLM")
	if !ok || payload == "" {
		return "", errKind(KindAuthDenied, "authenticate", fmt.Errorf("no NTLM challenge in 407"))
	}
	if !resp.KeepAlive() {
		return "", errKind(KindTransport, "authenticate", fmt.Errorf("parent closed the connection mid-handshake"))
	}
	if err := httpmsg.DrainBody(ubr, resp.Body, resp.ContentLength); err != nil {
		return "", errKind(KindTransport, "drain 407 body", err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errKind(KindBadChallenge, "decode challenge", err)
	}
	ch, err := ntlm.ParseChallenge(raw)
	if err != nil {
		return "", errKind(KindBadChallenge, "parse challenge", err)
	}
	t3, err := ntlm.AuthenticateMessage(&creds.Identity, ch)
	if err != nil {
		return "", errKind(KindAuthDenied, "build authenticate message", err)
	}
	return ntlmAuthorization(t3), nil
}

// initialAuth renders the first Proxy-Authorization value: a Kerberos
// Negotiate token under the gss policy, the NTLM Type 1 otherwise.
func (s *Service) initialAuth(up Upstream, creds *auth.Credential) (string, error) {
	if s.Negotiate != nil {
		tok, err := s.Negotiate.Token(up.Host)
		if err != nil {
			return "", errKind(KindAuthDenied, "negotiate token", err)
		}
		return "Negotiate " + tok, nil
	}
	return ntlmAuthorization(ntlm.NegotiateMessage(&creds.Identity)), nil
}

// denyAuth reports a final 407 to the client with a generic body and
// discards the upstream socket, whose auth state is unknown.
func (s *Service) denyAuth(client net.Conn, conn net.Conn, st *forwardState) (Result, bool, error) {
	s.Pool.Discard(conn)
	if writeAuthDenied(client, s.NTLMToBasic) != nil {
		return fatal(), false, nil
	}
	st.relayed = true
	return done(st.keepAlive), false, nil
}
