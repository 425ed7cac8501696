package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/lichangche/cntlm/internal/logger"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socksVersion = 0x05

	socksAuthNone         = 0x00
	socksAuthUserPass     = 0x02
	socksAuthNoAcceptable = 0xFF

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksReplySuccess         = 0x00
	socksReplyFailure         = 0x01
	socksReplyCmdUnsupported  = 0x07
	socksReplyAtypUnsupported = 0x08
)

// ServeSOCKS5 negotiates RFC 1928 with a client and splices the requested
// CONNECT either directly (no-proxy match) or through an authenticated
// parent CONNECT. Only the no-auth and username/password methods are
// offered, and only CONNECT to IPv4 or domain targets is served.
func (s *Service) ServeSOCKS5(ctx context.Context, client net.Conn, users map[string]string) {
	defer client.Close()

	method, err := s.socksSelectMethod(client, users)
	if err != nil {
		logger.DebugCtx(ctx, "SOCKS5 negotiation failed", "error", err)
		return
	}

	if method == socksAuthUserPass {
		if !socksCheckCredentials(client, users) {
			s.Metrics.RecordRequest("socks-denied")
			return
		}
	}

	target, err := socksReadConnect(client)
	if err != nil {
		logger.DebugCtx(ctx, "SOCKS5 request refused", "kind", KindPolicyDenied.String(), "error", err)
		return
	}

	upstream, err := s.ConnectTarget(ctx, target)
	if err != nil {
		logger.ErrorCtx(ctx, "SOCKS5 connect failed", "target", target, "kind", KindOf(err).String(), "error", err)
		_ = socksReply(client, socksReplyFailure)
		return
	}

	if err := socksReply(client, socksReplySuccess); err != nil {
		_ = upstream.Close()
		return
	}

	s.Metrics.RecordRequest("socks")
	Pump(client, upstream)
}

// socksSelectMethod reads the client's method offer and answers: no-auth
// when the user table is empty and the client offers it, otherwise
// username/password only.
func (s *Service) socksSelectMethod(client net.Conn, users map[string]string) (byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(client, head[:]); err != nil {
		return 0, err
	}
	if head[0] != socksVersion {
		return 0, fmt.Errorf("unsupported SOCKS version %d", head[0])
	}
	offered := make([]byte, head[1])
	if _, err := io.ReadFull(client, offered); err != nil {
		return 0, err
	}

	selected := byte(socksAuthNoAcceptable)
	open := len(users) == 0
	for _, m := range offered {
		if open && m == socksAuthNone {
			selected = socksAuthNone
			break
		}
	}
	if selected == socksAuthNoAcceptable && !open {
		for _, m := range offered {
			if m == socksAuthUserPass {
				selected = socksAuthUserPass
				break
			}
		}
	}

	if _, err := client.Write([]byte{socksVersion, selected}); err != nil {
		return 0, err
	}
	if selected == socksAuthNoAcceptable {
		return 0, fmt.Errorf("no acceptable auth method offered")
	}
	return selected, nil
}

// socksCheckCredentials runs the RFC 1929 sub-negotiation against the
// configured user table with constant-time comparison.
func socksCheckCredentials(client net.Conn, users map[string]string) bool {
	var head [2]byte
	if _, err := io.ReadFull(client, head[:]); err != nil {
		return false
	}
	// head[0] is the sub-negotiation version; tolerated as-is
	uname := make([]byte, head[1])
	if _, err := io.ReadFull(client, uname); err != nil {
		return false
	}
	var plen [1]byte
	if _, err := io.ReadFull(client, plen[:]); err != nil {
		return false
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(client, pass); err != nil {
		return false
	}

	want, found := users[string(uname)]
	ok := found && subtle.ConstantTimeCompare([]byte(want), pass) == 1

	status := byte(0x00)
	if !ok {
		status = 0xFF
	}
	if _, err := client.Write([]byte{0x01, status}); err != nil {
		return false
	}
	return ok
}

// socksReadConnect reads the request and returns the textual "host:port"
// target. IPv6 targets and non-CONNECT commands are refused with the
// matching reply code.
func socksReadConnect(client net.Conn) (string, error) {
	var head [4]byte
	if _, err := io.ReadFull(client, head[:]); err != nil {
		return "", err
	}
	if head[1] != socksCmdConnect {
		_ = socksReply(client, socksReplyCmdUnsupported)
		return "", fmt.Errorf("command %d not supported", head[1])
	}

	var host string
	switch head[3] {
	case socksAtypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(client, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	case socksAtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(client, n[:]); err != nil {
			return "", err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(client, name); err != nil {
			return "", err
		}
		host = string(name)
	default:
		_ = socksReply(client, socksReplyAtypUnsupported)
		return "", fmt.Errorf("address type %d not supported", head[3])
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(client, portBytes[:]); err != nil {
		return "", err
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// socksReply sends a reply with a dummy IPv4 bind address.
func socksReply(client net.Conn, code byte) error {
	_, err := client.Write([]byte{socksVersion, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
