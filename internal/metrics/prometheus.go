// Package metrics exposes the coordinator's Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all coordinator metrics.
type Registry struct {
	// Client plane
	ConnectedClients   prometheus.Gauge
	ArbitrationRounds  *prometheus.CounterVec
	StreamMessagesSent *prometheus.CounterVec

	// Link reconciliation
	LinksCreated   *prometheus.CounterVec
	LinksDestroyed *prometheus.CounterVec
	AsyncErrors    *prometheus.CounterVec

	// RPC surface
	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec
	AuthFailed  prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerd_connected_clients",
		Help: "Number of live client streams",
	})
	r.ArbitrationRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_arbitration_rounds_total",
		Help: "Arbitration rounds processed",
	}, []string{"vlan"})
	r.StreamMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_stream_messages_sent_total",
		Help: "Messages written to client streams",
	}, []string{"type"})

	r.LinksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_links_created_total",
		Help: "Links created by policy reconciliation",
	}, []string{"vlan", "link_type"})
	r.LinksDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_links_destroyed_total",
		Help: "Links destroyed by policy reconciliation",
	}, []string{"vlan"})
	r.AsyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_async_errors_total",
		Help: "Asynchronous errors delivered to clients",
	}, []string{"code"})

	r.RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerd_rpc_requests_total",
		Help: "RPC requests by method and status code",
	}, []string{"method", "code"})
	r.RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peerd_rpc_duration_seconds",
		Help:    "RPC handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	r.AuthFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerd_auth_failures_total",
		Help: "Requests rejected by the authentication layer",
	})

	return r
}

// RecordRPC records one RPC with its status code and duration.
func (r *Registry) RecordRPC(method, code string, duration float64) {
	r.RPCRequests.WithLabelValues(method, code).Inc()
	r.RPCLatency.WithLabelValues(method).Observe(duration)
}

// SetConnectedClients updates the live stream gauge.
func (r *Registry) SetConnectedClients(n int) {
	r.ConnectedClients.Set(float64(n))
}

// RecordLink records a link creation or destruction.
func (r *Registry) RecordLink(vlan, linkType string, created bool) {
	if created {
		r.LinksCreated.WithLabelValues(vlan, linkType).Inc()
	} else {
		r.LinksDestroyed.WithLabelValues(vlan).Inc()
	}
}

// RecordAsyncError records an async error event.
func (r *Registry) RecordAsyncError(code string) {
	r.AsyncErrors.WithLabelValues(code).Inc()
}
