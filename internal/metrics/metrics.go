package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the distribution core.
// Each Registry owns its own prometheus.Registry so tests can create as many
// as they need without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	RecordsIngested  prometheus.Counter
	RecordsRejected  *prometheus.CounterVec
	RecordsDropped   prometheus.Counter
	BatchesEmitted   *prometheus.CounterVec
	BatchesDelivered prometheus.Counter
	BatchesReplayed  prometheus.Counter

	ConnectionsActive  prometheus.Gauge
	ConnectionsLagging prometheus.Gauge
	LaggingDisconnects prometheus.Counter
	HandshakeFailures  *prometheus.CounterVec
	HandshakesRejected prometheus.Counter
	IngestSourceErrors prometheus.Counter
}

// NewRegistry creates all collectors on a fresh Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		reg: reg,
		RecordsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_records_ingested_total",
			Help: "Metric records accepted by the source adapter",
		}),
		RecordsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_records_rejected_total",
			Help: "Metric records rejected by ingest validation",
		}, []string{"reason"}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_records_dropped_total",
			Help: "Records dropped because the aggregation buffer exceeded its hard cap",
		}),
		BatchesEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_batches_emitted_total",
			Help: "Batches produced by the aggregation buffer",
		}, []string{"kind"}),
		BatchesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_batches_delivered_total",
			Help: "Batches enqueued to a subscriber outbound queue",
		}),
		BatchesReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_batches_replayed_total",
			Help: "Batches redelivered from the retention buffer",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_connections_active",
			Help: "Active WebSocket connections",
		}),
		ConnectionsLagging: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_connections_lagging",
			Help: "Connections currently marked lagging",
		}),
		LaggingDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_lagging_disconnects_total",
			Help: "Connections force-closed after exceeding the lagging grace period",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_handshake_failures_total",
			Help: "Rejected WebSocket handshakes",
		}, []string{"reason"}),
		HandshakesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_handshakes_rejected_total",
			Help: "Connection attempts refused by admission control",
		}),
		IngestSourceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_ingest_source_errors_total",
			Help: "Errors from external ingest sources (NATS, HTTP)",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
