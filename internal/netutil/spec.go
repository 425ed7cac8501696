package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenSpec is a parsed "[host:]port" listener specification. When Host is
// empty the caller binds loopback, or all interfaces in gateway mode.
type ListenSpec struct {
	Host string
	Port int
}

// TunnelSpec is a parsed "[host:]port:target_host:target_port" fixed-target
// tunnel specification.
type TunnelSpec struct {
	ListenSpec
	TargetHost string
	TargetPort int
}

// Addr returns the bind address for the spec. Loopback is the default;
// gateway mode binds all interfaces.
func (s ListenSpec) Addr(gateway bool) string {
	host := s.Host
	if host == "" {
		if gateway {
			host = ""
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Target returns the tunnel's fixed "host:port" destination.
func (s TunnelSpec) Target() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

// ParseListenSpec parses "[host:]port". IPv6 hosts use brackets.
func ParseListenSpec(spec string) (ListenSpec, error) {
	host, portStr := splitHostPort(spec)
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ListenSpec{}, fmt.Errorf("invalid listen specification %q", spec)
	}
	return ListenSpec{Host: host, Port: port}, nil
}

// ParseTunnelSpec parses "[host:]port:target_host:target_port".
func ParseTunnelSpec(spec string) (TunnelSpec, error) {
	fields := splitSpecFields(spec)
	var bindHost, bindPort, targetHost, targetPort string
	switch len(fields) {
	case 3:
		bindPort, targetHost, targetPort = fields[0], fields[1], fields[2]
	case 4:
		bindHost, bindPort, targetHost, targetPort = fields[0], fields[1], fields[2], fields[3]
	default:
		return TunnelSpec{}, fmt.Errorf("invalid tunnel specification %q (want [host:]port:rhost:rport)", spec)
	}

	lp, err := strconv.Atoi(bindPort)
	if err != nil || lp <= 0 || lp > 65535 {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel local port in %q", spec)
	}
	tp, err := strconv.Atoi(targetPort)
	if err != nil || tp <= 0 || tp > 65535 || targetHost == "" {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel target in %q", spec)
	}

	return TunnelSpec{
		ListenSpec: ListenSpec{Host: bindHost, Port: lp},
		TargetHost: strings.Trim(targetHost, "[]"),
		TargetPort: tp,
	}, nil
}

// HostPort splits "host[:port]" applying defaultPort when absent.
// Bracketed IPv6 literals are unwrapped.
func HostPort(s string, defaultPort int) (string, int) {
	host, portStr := splitHostPort(s)
	if host == "" {
		host = portStr
		return strings.Trim(host, "[]"), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return strings.Trim(s, "[]"), defaultPort
	}
	return strings.Trim(host, "[]"), port
}

// splitHostPort splits on the last colon, honoring IPv6 brackets.
// Returns ("", spec) when no colon separates a host part.
func splitHostPort(spec string) (host, port string) {
	i := strings.LastIndexByte(spec, ':')
	if i < 0 {
		return "", spec
	}
	host, port = spec[:i], spec[i+1:]
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			// colon was inside an unbracketed IPv6 literal
			return "", spec
		}
		host = strings.Trim(host, "[]")
	} else if strings.Contains(host, ":") {
		return "", spec
	}
	return host, port
}

// splitSpecFields splits a colon-separated spec, keeping bracketed IPv6
// literals whole.
func splitSpecFields(spec string) []string {
	var fields []string
	for len(spec) > 0 {
		if spec[0] == '[' {
			end := strings.IndexByte(spec, ']')
			if end < 0 {
				fields = append(fields, spec)
				break
			}
			fields = append(fields, spec[1:end])
			spec = strings.TrimPrefix(spec[end+1:], ":")
			continue
		}
		i := strings.IndexByte(spec, ':')
		if i < 0 {
			fields = append(fields, spec)
			break
		}
		fields = append(fields, spec[:i])
		spec = spec[i+1:]
	}
	return fields
}
