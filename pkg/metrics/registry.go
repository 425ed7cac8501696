// Package metrics provides the Prometheus instrumentation for the proxy:
// connection lifecycle, pool behavior, handshake outcomes, and the
// optional HTTP endpoint that exposes them.
//
// Metrics are opt-in: collectors created before Enable() is called are
// nil and every recording method is a no-op on a nil receiver, so the hot
// path carries no conditionals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var registry *prometheus.Registry

// Enable installs a fresh registry. Must be called before collectors are
// created; calling it at all turns metrics on.
func Enable() {
	registry = prometheus.NewRegistry()
}

// IsEnabled reports whether Enable was called.
func IsEnabled() bool {
	return registry != nil
}

// Registry returns the active registry, nil when metrics are disabled.
func Registry() *prometheus.Registry {
	return registry
}
