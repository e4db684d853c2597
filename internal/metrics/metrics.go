// Package metrics implements the Prometheus Registry SPEC_FULL §3's
// [DOMAIN] Metrics entry names, grounded on yndnr-tokmesh-go's
// BadgerEngine.RegisterMetrics (internal/storage/badger.go): a struct of
// prometheus.Gauge/Counter fields built with prometheus.New*Opts and
// registered once via registry.MustRegister.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redis_cerberus"

// Registry holds every counter/gauge the proxy exposes and satisfies
// internal/obs.Metrics, the narrow interface the core (internal/session,
// internal/proxy) depends on instead of this package directly.
type Registry struct {
	reg *prometheus.Registry

	clientsConnected   prometheus.Gauge
	clientsTotal       prometheus.Counter
	upstreamReconnects prometheus.Counter
	requestBatchesSent prometheus.Counter
	repliesFramed      prometheus.Counter
	bytesToUpstream    prometheus.Counter
	bytesFromUpstream  prometheus.Counter
	fatalErrors        prometheus.Counter
}

// New builds and registers every metric with a fresh prometheus.Registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of currently connected client sessions.",
		}),
		clientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_total",
			Help:      "Total number of client connections ever accepted.",
		}),
		upstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Total number of times the upstream connection was (re)established.",
		}),
		requestBatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_batches_sent_total",
			Help:      "Total number of request batches written to upstream.",
		}),
		repliesFramed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_framed_total",
			Help:      "Total number of RESP replies framed from upstream.",
		}),
		bytesToUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_upstream_total",
			Help:      "Total bytes written to the upstream connection.",
		}),
		bytesFromUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_from_upstream_total",
			Help:      "Total bytes read from the upstream connection.",
		}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_errors_total",
			Help:      "Total number of fatal dispositions (BAD_MESSAGE/IO_ERROR) before process exit.",
		}),
	}

	r.reg.MustRegister(
		r.clientsConnected,
		r.clientsTotal,
		r.upstreamReconnects,
		r.requestBatchesSent,
		r.repliesFramed,
		r.bytesToUpstream,
		r.bytesFromUpstream,
		r.fatalErrors,
	)
	return r
}

// ClientConnected records a newly accepted client.
func (r *Registry) ClientConnected() {
	r.clientsConnected.Inc()
	r.clientsTotal.Inc()
}

// ClientDisconnected records a torn-down client session.
func (r *Registry) ClientDisconnected() {
	r.clientsConnected.Dec()
}

// UpstreamReconnected records a successful upstream connect (including the
// very first one).
func (r *Registry) UpstreamReconnected() {
	r.upstreamReconnects.Inc()
}

// RequestBatchSent records one request batch of n bytes fully written to
// upstream (possibly across several writev calls).
func (r *Registry) RequestBatchSent(n int) {
	r.requestBatchesSent.Inc()
	r.bytesToUpstream.Add(float64(n))
}

// ReplyFramed records one RESP reply of n bytes framed from upstream.
func (r *Registry) ReplyFramed(n int) {
	r.repliesFramed.Inc()
	r.bytesFromUpstream.Add(float64(n))
}

// FatalError records a fatal disposition immediately before process exit.
func (r *Registry) FatalError() {
	r.fatalErrors.Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
