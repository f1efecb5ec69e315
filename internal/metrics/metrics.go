package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for the datagram DNS proxy
var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_queries_total",
		Help: "Total number of DNS queries accepted for dispatch, by client-facing transport",
	}, []string{"transport"})

	ResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_responses_total",
		Help: "Total number of DNS responses delivered to clients, by transport",
	}, []string{"transport"})

	DroppedQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_dropped_queries_total",
		Help: "Total number of queries dropped before dispatch by the rate limit",
	}, []string{"transport"})

	UpstreamFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_upstream_failures_total",
		Help: "Total number of upstream exchange failures, by kind (timeout, exchange, refused)",
	}, []string{"kind"})

	ServfailSynthesizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsproxy_servfail_synthesized_total",
		Help: "Total number of locally synthesized SERVFAIL responses",
	})

	DTLSHandshakesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsproxy_dtls_handshakes_total",
		Help: "Total number of completed DTLS handshakes",
	})

	DTLSHandshakeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsproxy_dtls_handshake_failures_total",
		Help: "Total number of failed DTLS handshakes",
	})

	DTLSActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsproxy_dtls_active_sessions",
		Help: "Current number of established DTLS sessions",
	})

	CoAPErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_coap_errors_total",
		Help: "Total number of CoAP error responses, by response code name",
	}, []string{"code"})
)

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			QueriesTotal,
			ResponsesTotal,
			DroppedQueriesTotal,
			UpstreamFailuresTotal,
			ServfailSynthesizedTotal,
			DTLSHandshakesTotal,
			DTLSHandshakeFailuresTotal,
			DTLSActiveSessions,
			CoAPErrorsTotal,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

// RecordQuery counts an accepted query on the given client-facing transport.
func RecordQuery(transport string) {
	QueriesTotal.WithLabelValues(transport).Inc()
}

// RecordResponse counts a response delivered on the given transport.
func RecordResponse(transport string) {
	ResponsesTotal.WithLabelValues(transport).Inc()
}

// RecordUpstreamFailure counts an upstream failure of the given kind.
func RecordUpstreamFailure(kind string) {
	UpstreamFailuresTotal.WithLabelValues(kind).Inc()
	ServfailSynthesizedTotal.Inc()
}
