package proxy

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	accepted := <-ch
	require.NoError(t, accepted.err)
	return dialed, accepted.conn
}

func TestPumpBidirectional(t *testing.T) {
	// client <-> (a|b pumped) <-> upstream
	clientSide, a := tcpPair(t)
	b, upstreamSide := tcpPair(t)

	var pumpDone sync.WaitGroup
	pumpDone.Add(1)
	go func() {
		defer pumpDone.Done()
		Pump(a, b)
	}()

	payload := make([]byte, 16*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	// client -> upstream, 16 KiB, bit-identical
	var received bytes.Buffer
	var readDone sync.WaitGroup
	readDone.Add(1)
	go func() {
		defer readDone.Done()
		_, _ = io.CopyN(&received, upstreamSide, int64(len(payload)))
	}()
	_, err = clientSide.Write(payload)
	require.NoError(t, err)
	readDone.Wait()
	assert.Equal(t, payload, received.Bytes())

	// upstream -> client still works after the first direction
	_, err = upstreamSide.Write([]byte("reply"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(reply))

	// half-close: client EOF propagates, upstream direction drains
	require.NoError(t, clientSide.(*net.TCPConn).CloseWrite())
	_, err = upstreamSide.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, upstreamSide.Close())

	tail, _ := io.ReadAll(clientSide)
	assert.Equal(t, "tail", string(tail))

	pumpDone.Wait()
}

func TestWrapBuffered(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	wrapped := wrapBuffered(a, strings.NewReader("head"))

	go func() {
		_, _ = b.Write([]byte("rest"))
		_ = b.Close()
	}()

	all, err := io.ReadAll(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "headrest", string(all))

	// nil reader returns the connection untouched
	c, d := net.Pipe()
	defer c.Close()
	defer d.Close()
	assert.Same(t, c, wrapBuffered(c, nil))
}
