package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyMetrics records the proxy core's operational counters. All methods
// are safe on a nil receiver.
type ProxyMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	poolHits            prometheus.Counter
	poolMisses          prometheus.Counter
	handshakes          *prometheus.CounterVec
	upstreamFailures    *prometheus.CounterVec
	requests            *prometheus.CounterVec
}

// NewProxyMetrics creates the proxy collectors. Returns nil when metrics
// are disabled.
func NewProxyMetrics() *ProxyMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := Registry()

	return &ProxyMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cntlm_connections_accepted_total",
				Help: "Client connections accepted by listener kind",
			},
			[]string{"listener"},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cntlm_connections_closed_total",
				Help: "Client connections closed",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cntlm_active_connections",
				Help: "Currently active client connections",
			},
		),
		poolHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cntlm_pool_hits_total",
				Help: "Upstream connection checkouts served from the pool",
			},
		),
		poolMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cntlm_pool_misses_total",
				Help: "Upstream connection checkouts that dialed fresh",
			},
		),
		handshakes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cntlm_handshakes_total",
				Help: "NTLM handshakes by result",
			},
			[]string{"result"},
		),
		upstreamFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cntlm_upstream_failures_total",
				Help: "Parent proxy failures by upstream address",
			},
			[]string{"upstream"},
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cntlm_requests_total",
				Help: "Requests served by route outcome",
			},
			[]string{"route"},
		),
	}
}

// RecordConnectionAccepted counts an accepted client connection.
func (m *ProxyMetrics) RecordConnectionAccepted(listener string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(listener).Inc()
}

// RecordConnectionClosed counts a finished client connection.
func (m *ProxyMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

// SetActiveConnections publishes the active worker count.
func (m *ProxyMetrics) SetActiveConnections(n int32) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

// RecordPoolHit counts a checkout served from the pool.
func (m *ProxyMetrics) RecordPoolHit() {
	if m == nil {
		return
	}
	m.poolHits.Inc()
}

// RecordPoolMiss counts a checkout that dialed fresh.
func (m *ProxyMetrics) RecordPoolMiss() {
	if m == nil {
		return
	}
	m.poolMisses.Inc()
}

// RecordHandshake counts an NTLM handshake outcome.
func (m *ProxyMetrics) RecordHandshake(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "denied"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// RecordUpstreamFailure counts a parent proxy failure.
func (m *ProxyMetrics) RecordUpstreamFailure(upstream string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(upstream).Inc()
}

// RecordRequest counts a served request by route.
func (m *ProxyMetrics) RecordRequest(route string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route).Inc()
}
