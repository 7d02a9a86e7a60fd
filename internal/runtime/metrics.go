package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus collectors for the runtime. All methods are
// nil-safe so a disabled metrics config costs a nil check per call site.
type Metrics struct {
	registry *prometheus.Registry

	dispatchDuration *prometheus.HistogramVec
	dispatchOutcomes *prometheus.CounterVec

	messagesAcked     *prometheus.CounterVec
	messagesNacked    *prometheus.CounterVec
	messagesDiscarded *prometheus.CounterVec
	pollFailures      *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec

	reloads        prometheus.Counter
	reloadFailures prometheus.Counter
	restarts       prometheus.Counter
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runlet",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution time per dispatch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "handler"}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch outcomes by disposition.",
		}, []string{"kind", "disposition"}),
		messagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged and deleted from the queue.",
		}, []string{"queue"}),
		messagesNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "messages_nacked_total",
			Help:      "Messages returned for redelivery.",
		}, []string{"queue"}),
		messagesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "messages_discarded_total",
			Help:      "Malformed or unroutable messages discarded.",
		}, []string{"queue"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "poll_failures_total",
			Help:      "Receive calls that failed and triggered backoff.",
		}, []string{"queue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "reconnects_total",
			Help:      "Connecting transitions after a connectivity failure.",
		}, []string{"queue"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runlet",
			Name:      "connection_state",
			Help:      "Consumer connection state (0 disconnected through 4 closed).",
		}, []string{"queue"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "reloads_total",
			Help:      "Completed module reload cycles.",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "reload_failures_total",
			Help:      "Reload cycles that kept the previous module set.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runlet",
			Name:      "restarts_total",
			Help:      "Completed transport restart cycles.",
		}),
	}

	registry.MustRegister(
		m.dispatchDuration, m.dispatchOutcomes,
		m.messagesAcked, m.messagesNacked, m.messagesDiscarded,
		m.pollFailures, m.reconnects, m.connectionState,
		m.reloads, m.reloadFailures, m.restarts,
	)
	return m
}

// Handler serves the metrics registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeDispatch(kind TransportKind, handler string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(string(kind), handler).Observe(d.Seconds())
}

func (m *Metrics) countOutcome(kind TransportKind, disposition Disposition) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(string(kind), disposition.String()).Inc()
}

func (m *Metrics) countAcked(queue string) {
	if m == nil {
		return
	}
	m.messagesAcked.WithLabelValues(queue).Inc()
}

func (m *Metrics) countNacked(queue string) {
	if m == nil {
		return
	}
	m.messagesNacked.WithLabelValues(queue).Inc()
}

func (m *Metrics) countDiscarded(queue string) {
	if m == nil {
		return
	}
	m.messagesDiscarded.WithLabelValues(queue).Inc()
}

func (m *Metrics) countPollFailure(queue string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(queue).Inc()
}

func (m *Metrics) countReconnect(queue string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(queue).Inc()
}

func (m *Metrics) setConnectionState(queue string, state ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(queue).Set(float64(state))
}

func (m *Metrics) countReload(failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.reloadFailures.Inc()
		return
	}
	m.reloads.Inc()
}

func (m *Metrics) countRestart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}
