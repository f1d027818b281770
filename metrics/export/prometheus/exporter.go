package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() gatekeeper.MetricsSnapshot
	AuditDropped() uint64
}

const (
	auditDroppedName = "gatekeeper_audit_dropped_total"
	auditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

// Collector is a prometheus.Collector that reads a gateway snapshot on
// every scrape. It holds no state of its own.
type Collector struct {
	source       metricsSource
	counters     []*prometheus.Desc
	histograms   []*prometheus.Desc
	auditDropped *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over gw.
func NewCollector(gw *gatekeeper.Gateway) *Collector {
	return NewCollectorFromSource(gw)
}

// NewCollectorFromSource creates a collector over any snapshot source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source:       source,
		counters:     make([]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histograms:   make([]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		auditDropped: prometheus.NewDesc(auditDroppedName, auditDroppedHelp, nil, nil),
	}
	for i, def := range internaldefs.CounterDefs {
		c.counters[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for i, def := range internaldefs.HistogramDefs {
		c.histograms[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
	ch <- c.auditDropped
}

// Collect implements prometheus.Collector. With metrics disabled in the
// gateway config nothing is emitted.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()
	dropped := c.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return
	}

	for i, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for i, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for j, bound := range internaldefs.HistogramUpperBounds {
			buckets[bound] = cumulative[j]
		}
		// core snapshots carry no sum
		ch <- prometheus.MustNewConstHistogram(c.histograms[i], cumulative[len(cumulative)-1], 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.auditDropped, prometheus.CounterValue, float64(dropped))
}

// Exporter owns a private registry holding one Collector.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter registers a collector over gw in a fresh registry.
func NewExporter(gw *gatekeeper.Gateway) (*Exporter, error) {
	return NewExporterFromSource(gw)
}

// NewExporterFromSource registers a collector over source in a fresh
// registry.
func NewExporterFromSource(source metricsSource) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollectorFromSource(source)); err != nil {
		return nil, err
	}
	return &Exporter{registry: reg}, nil
}

// Registry exposes the registry so callers can add process or Go runtime
// collectors next to the gateway's.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
