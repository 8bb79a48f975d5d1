// Package obsmetrics exposes the ingestion core's health counters as
// Prometheus gauges/counters, replacing cryptorun's
// internal/metrics/collector.go (an in-process, non-Prometheus counter
// store) with github.com/prometheus/client_golang, the metrics library the
// rest of the example pack actually wires for HTTP-scraped observability.
// Metric names follow the per-venue health report from spec §4.9
// (candles_received, dup_dropped, queue_depth, reconnects, save_lag), with
// _total and _ms suffixes where Prometheus naming calls for them.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ingestcore/marketdata/internal/orchestrator"
)

// Registry owns the process's Prometheus collectors, labeled by venue.
type Registry struct {
	reg *prometheus.Registry

	candlesReceived *prometheus.GaugeVec
	dupDropped      *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	reconnects      *prometheus.GaugeVec
	saveLagMs       *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
}

// New builds a Registry with every gauge registered under the
// marketdata_ingest namespace.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	mk := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketdata_ingest",
			Name:      name,
			Help:      help,
		}, []string{"venue"})
		r.reg.MustRegister(g)
		return g
	}

	r.candlesReceived = mk("candles_received_total", "Total candles received per venue since process start")
	r.dupDropped = mk("dup_dropped_total", "Total duplicate candles dropped per venue")
	r.queueDepth = mk("queue_depth", "Current validator ring buffer depth summed across a venue's streams")
	r.reconnects = mk("reconnects_total", "Total live-stream reconnects per venue")
	r.saveLagMs = mk("save_lag_ms", "Milliseconds since the most recent successful write for a venue")
	r.breakerState = mk("breaker_state", "Circuit breaker state per venue (0=closed,1=open,2=half-open)")

	return r
}

// Observe updates every gauge from one health report snapshot.
func (r *Registry) Observe(report orchestrator.Report) {
	for _, v := range report.Venues {
		r.candlesReceived.WithLabelValues(v.Venue).Set(float64(v.Received))
		r.dupDropped.WithLabelValues(v.Venue).Set(float64(v.Dups))
		r.queueDepth.WithLabelValues(v.Venue).Set(float64(v.QueueDepth))
		r.reconnects.WithLabelValues(v.Venue).Set(float64(v.Reconnects))
		r.saveLagMs.WithLabelValues(v.Venue).Set(float64(v.SaveLagMs))
		r.breakerState.WithLabelValues(v.Venue).Set(float64(v.State))
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
