package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUpstreamAddr(t *testing.T) (Upstream, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: addr.Port}, ln
}

func TestPoolAcquireDialsFresh(t *testing.T) {
	up, ln := testUpstreamAddr(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	p := NewPool(2*time.Second, time.Minute)
	conn, fresh, err := p.Acquire(context.Background(), up, "id")
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, fresh, "empty pool dials a fresh, unauthenticated socket")
	assert.Equal(t, 0, p.Len(up, "id"))
}

func TestPoolReleaseAndReuse(t *testing.T) {
	up := Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: 1}
	p := NewPool(time.Second, time.Minute)

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.Release(c1, up, "id")
	require.Equal(t, 1, p.Len(up, "id"))

	got, fresh, err := p.Acquire(context.Background(), up, "id")
	require.NoError(t, err)
	assert.False(t, fresh, "pooled sockets are already authenticated")
	assert.Same(t, c1, got)
	assert.Equal(t, 0, p.Len(up, "id"))
}

func TestPoolLIFO(t *testing.T) {
	up := Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: 1}
	p := NewPool(time.Second, time.Minute)

	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()
	p.Release(c1, up, "id")
	p.Release(c2, up, "id")

	got, _, err := p.Acquire(context.Background(), up, "id")
	require.NoError(t, err)
	assert.Same(t, c2, got, "most recently released first")
}

func TestPoolIdentitySeparation(t *testing.T) {
	up := Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: 1}
	p := NewPool(time.Second, time.Minute)

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.Release(c1, up, "corp\\alice")

	assert.Equal(t, 1, p.Len(up, "corp\\alice"))
	assert.Equal(t, 0, p.Len(up, "corp\\bob"), "identities never share sockets")
}

func TestPoolIdleEviction(t *testing.T) {
	up, ln := testUpstreamAddr(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	p := NewPool(2*time.Second, 10*time.Millisecond)
	c1, s1 := net.Pipe()
	defer s1.Close()
	p.Release(c1, up, "id")

	time.Sleep(30 * time.Millisecond)

	// the stale entry is discarded on acquire and a fresh dial happens
	conn, fresh, err := p.Acquire(context.Background(), up, "id")
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, fresh)
}

func TestPoolDiscardAndCloseAll(t *testing.T) {
	up := Upstream{Kind: KindProxy, Host: "127.0.0.1", Port: 1}
	p := NewPool(time.Second, time.Minute)

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.Discard(c1)
	_, err := c1.Write([]byte("x"))
	assert.Error(t, err, "discarded connections are closed")

	c2, s2 := net.Pipe()
	defer s2.Close()
	p.Release(c2, up, "id")
	p.CloseAll()
	assert.Equal(t, 0, p.Len(up, "id"))
	_, err = c2.Write([]byte("x"))
	assert.Error(t, err)
}
