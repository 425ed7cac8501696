package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lichangche/cntlm/internal/httpmsg"
	"github.com/lichangche/cntlm/internal/netutil"
	"github.com/lichangche/cntlm/internal/paceval"
)

func TestPrepareOutbound(t *testing.T) {
	svc := &Service{
		HeaderSubs: []HeaderSub{{Name: "X-Injected", Value: "yes"}},
	}
	req, _ := parseRequest(t,
		"GET http://example.com/ HTTP/1.1\r\n"+
			"Host: example.com\r\n"+
			"Proxy-Authorization: Basic abcd\r\n"+
			"Proxy-Connection: keep-alive\r\n"+
			"Connection: X-Hop\r\n"+
			"X-Hop: secret\r\n"+
			"Accept: */*\r\n"+
			"\r\n")

	out := svc.prepareOutbound(req)

	assert.False(t, out.Header.Has("Proxy-Authorization"), "client proxy auth never leaks upstream")
	assert.False(t, out.Header.Has("Connection"))
	assert.False(t, out.Header.Has("X-Hop"), "Connection-listed headers are hop-by-hop")
	assert.Equal(t, "keep-alive", out.Header.Get("Proxy-Connection"), "upstream side is forced keep-alive")
	assert.Equal(t, "yes", out.Header.Get("X-Injected"))
	assert.Equal(t, "*/*", out.Header.Get("Accept"))

	// the original request is untouched
	assert.True(t, req.Header.Has("Proxy-Authorization"))
}

func TestProxyAuthValue(t *testing.T) {
	var h httpmsg.Header
	h.Add("Proxy-Authenticate", "Basic realm=\"x\"")
	h.Add("Proxy-Authenticate", "NTLM TlRMTVNTUA==")

	payload, ok := proxyAuthValue(&h, "NTLM")
	require.True(t, ok)
	assert.Equal(t, "TlRMTVNTUA==", payload)

	payload, ok = proxyAuthValue(&h, "ntlm")
	require.True(t, ok, "scheme match is case-insensitive")
	assert.Equal(t, "TlRMTVNTUA==", payload)

	_, ok = proxyAuthValue(&h, "Negotiate")
	assert.False(t, ok)

	var bare httpmsg.Header
	bare.Add("Proxy-Authenticate", "NTLM")
	payload, ok = proxyAuthValue(&bare, "NTLM")
	require.True(t, ok)
	assert.Empty(t, payload, "bare scheme offer has no payload")
}

func TestClientKeepAlive(t *testing.T) {
	req, _ := parseRequest(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	assert.True(t, ClientKeepAlive(req), "HTTP/1.1 defaults to keep-alive")

	req, _ = parseRequest(t, "GET / HTTP/1.1\r\nHost: a\r\nProxy-Connection: close\r\n\r\n")
	assert.False(t, ClientKeepAlive(req))

	req, _ = parseRequest(t, "GET / HTTP/1.0\r\nHost: a\r\n\r\n")
	assert.False(t, ClientKeepAlive(req), "HTTP/1.0 defaults to close")

	req, _ = parseRequest(t, "GET / HTTP/1.0\r\nHost: a\r\nProxy-Connection: keep-alive\r\n\r\n")
	assert.True(t, ClientKeepAlive(req))
}

func TestUpstreamsForPACPrecedence(t *testing.T) {
	static := Upstream{Kind: KindProxy, Host: "static", Port: 1}
	svc := &Service{
		Upstreams: NewUpstreamList(static),
		PAC: paceval.NewSerialized(evalFunc(func(url, host string) ([]paceval.Result, error) {
			return []paceval.Result{{Host: "pac-proxy", Port: 8080}}, nil
		})),
	}
	req, _ := parseRequest(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	ups := svc.upstreamsFor(req)
	require.Len(t, ups, 1)
	assert.Equal(t, "pac-proxy", ups[0].Host)

	// an empty PAC answer falls back to the static list
	svc.PAC = paceval.NewSerialized(evalFunc(func(url, host string) ([]paceval.Result, error) {
		return nil, nil
	}))
	ups = svc.upstreamsFor(req)
	require.Len(t, ups, 1)
	assert.Equal(t, static, ups[0])
}

type evalFunc func(url, host string) ([]paceval.Result, error)

func (f evalFunc) FindProxy(url, host string) ([]paceval.Result, error) { return f(url, host) }

func TestConnectTargetNoProxyPrecedence(t *testing.T) {
	// P6: a no-proxy match goes direct even when parents are configured
	echo := startEchoServer(t)
	svc := newTestService(t, Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: 1})
	svc.NoProxy = netutil.NewGlobList("127.0.0.*")

	conn, err := svc.ConnectTarget(context.Background(), echo.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	out := make([]byte, 4)
	_, err = io.ReadFull(conn, out)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(out))
}

func TestConnectTargetViaParent(t *testing.T) {
	parent := startFakeParent(t, func(conn net.Conn, br *bufio.Reader) {
		for {
			req, err := httpmsg.ReadRequest(br)
			if err != nil {
				return
			}
			if req.Method != "CONNECT" {
				return
			}
			if ntlmMessageType(req.Header.Get("Proxy-Authorization")) == uint32(3) {
				_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
				buf := make([]byte, 4)
				if _, err := io.ReadFull(br, buf); err != nil {
					return
				}
				_, _ = conn.Write([]byte("pong"))
				return
			}
			reply407(conn)
		}
	})
	svc := newTestService(t, parent.up)

	conn, err := svc.ConnectTarget(context.Background(), "inside.corp:25")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	out := make([]byte, 4)
	_, err = io.ReadFull(conn, out)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(out))
}

func TestConnectTargetExhausted(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadUp := Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: dead.Addr().(*net.TCPAddr).Port}
	require.NoError(t, dead.Close())

	svc := newTestService(t, deadUp)
	svc.Pool.DialTimeout = 500 * time.Millisecond

	_, err = svc.ConnectTarget(context.Background(), "inside.corp:25")
	require.Error(t, err)
	assert.Equal(t, KindUpstreamExhausted, KindOf(err))
}

func TestWriteSimpleResponses(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeAuthDenied(&sb, false))
	resp, err := httpmsg.ReadResponse(bufio.NewReader(strings.NewReader(sb.String())), "GET")
	require.NoError(t, err)
	assert.Equal(t, 407, resp.StatusCode)
	assert.False(t, resp.Header.Has("Proxy-Authenticate"))

	sb.Reset()
	require.NoError(t, writeGatewayError(&sb))
	resp, err = httpmsg.ReadResponse(bufio.NewReader(strings.NewReader(sb.String())), "GET")
	require.NoError(t, err)
	assert.Equal(t, 502, resp.StatusCode)
}
