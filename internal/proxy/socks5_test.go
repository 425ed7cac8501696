package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs a TCP server that uppercases 4-byte messages.
func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
				for i := range buf {
					if buf[i] >= 'a' && buf[i] <= 'z' {
						buf[i] -= 32
					}
				}
				_, _ = conn.Write(buf)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// runSOCKS starts ServeSOCKS5 against a pipe and returns the client end.
func runSOCKS(t *testing.T, svc *Service, users map[string]string) (net.Conn, *sync.WaitGroup) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.ServeSOCKS5(context.Background(), serverEnd, users)
	}()
	t.Cleanup(func() {
		_ = clientEnd.Close()
		wg.Wait()
	})
	return clientEnd, &wg
}

func socksTestService(t *testing.T) *Service {
	svc := newTestService(t)
	svc.Pool.DialTimeout = 2 * time.Second
	return svc
}

func TestSOCKS5NoAuthConnect(t *testing.T) {
	echo := startEchoServer(t)
	svc := socksTestService(t)
	client, _ := runSOCKS(t, svc, nil)

	// greeting: version 5, methods {no-auth}
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = io.ReadFull(client, sel)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, sel)

	// CONNECT 127.0.0.1:<echo port> via IPv4
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(echo.Port >> 8), byte(echo.Port & 0xff)}
	_, err = client.Write(req)
	require.NoError(t, err)
	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), reply[1], "success reply")

	// the splice is transparent
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	out := make([]byte, 4)
	_, err = io.ReadFull(client, out)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(out))
}

func TestSOCKS5UserPassAuth(t *testing.T) {
	// S4: with a user table the daemon selects user/pass and validates
	echo := startEchoServer(t)
	svc := socksTestService(t)
	users := map[string]string{"alice": "s3cret"}

	t.Run("correct password", func(t *testing.T) {
		client, _ := runSOCKS(t, svc, users)

		_, err := client.Write([]byte{0x05, 0x02, 0x00, 0x02})
		require.NoError(t, err)
		sel := make([]byte, 2)
		_, err = io.ReadFull(client, sel)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x05, 0x02}, sel, "user/pass selected over no-auth")

		// RFC 1929 sub-negotiation
		_, err = client.Write([]byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 6, 's', '3', 'c', 'r', 'e', 't'})
		require.NoError(t, err)
		status := make([]byte, 2)
		_, err = io.ReadFull(client, status)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x00}, status)

		req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(echo.Port >> 8), byte(echo.Port & 0xff)}
		_, err = client.Write(req)
		require.NoError(t, err)
		reply := make([]byte, 10)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, byte(0x00), reply[1])
	})

	t.Run("wrong password", func(t *testing.T) {
		client, _ := runSOCKS(t, svc, users)

		_, err := client.Write([]byte{0x05, 0x02, 0x00, 0x02})
		require.NoError(t, err)
		sel := make([]byte, 2)
		_, err = io.ReadFull(client, sel)
		require.NoError(t, err)
		require.Equal(t, []byte{0x05, 0x02}, sel)

		_, err = client.Write([]byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 5, 'w', 'r', 'o', 'n', 'g'})
		require.NoError(t, err)
		status := make([]byte, 2)
		_, err = io.ReadFull(client, status)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0xFF}, status, "sub-negotiation failure reply")
	})

	t.Run("no acceptable method", func(t *testing.T) {
		client, _ := runSOCKS(t, svc, users)

		// only no-auth offered while a user table is configured
		_, err := client.Write([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		sel := make([]byte, 2)
		_, err = io.ReadFull(client, sel)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x05, 0xFF}, sel)
	})
}

func TestSOCKS5Refusals(t *testing.T) {
	svc := socksTestService(t)

	t.Run("ipv6 address type", func(t *testing.T) {
		client, _ := runSOCKS(t, svc, nil)
		_, err := client.Write([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		sel := make([]byte, 2)
		_, err = io.ReadFull(client, sel)
		require.NoError(t, err)

		_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x04})
		require.NoError(t, err)
		reply := make([]byte, 10)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, byte(0x08), reply[1], "address type not supported")
	})

	t.Run("bind command", func(t *testing.T) {
		client, _ := runSOCKS(t, svc, nil)
		_, err := client.Write([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		sel := make([]byte, 2)
		_, err = io.ReadFull(client, sel)
		require.NoError(t, err)

		_, err = client.Write([]byte{0x05, 0x02, 0x00, 0x01})
		require.NoError(t, err)
		reply := make([]byte, 10)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, byte(0x07), reply[1], "command not supported")
	})

	t.Run("wrong version", func(t *testing.T) {
		client, wg := runSOCKS(t, svc, nil)
		// the daemon hangs up after the version byte; the tail of the
		// write may race its close
		_, _ = client.Write([]byte{0x04, 0x01, 0x00})
		_ = client.Close()
		wg.Wait()
	})
}
