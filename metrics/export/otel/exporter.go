package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// AttrOutcome and AttrLE are the attribute keys the exporter emits.
const (
	AttrOutcome = attribute.Key("outcome")
	AttrLE      = attribute.Key("le")
)

type metricsSource interface {
	MetricsSnapshot() gatekeeper.MetricsSnapshot
	AuditDropped() uint64
}

// familyCounter is one instrument per counter family; each gateway counter
// becomes a data point carrying its outcome.
type familyCounter struct {
	instrument metric.Int64ObservableCounter
	points     []outcomePoint
}

type outcomePoint struct {
	id    gatekeeper.MetricID
	attrs metric.ObserveOption
}

// latencyHistogram exposes cumulative bucket counts as a gauge keyed by le.
type latencyHistogram struct {
	id      gatekeeper.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	les     [internaldefs.BucketCount]metric.ObserveOption
}

// OTelExporter publishes gateway metrics as observable instruments read
// from one snapshot per collection.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	families     []familyCounter
	histograms   []latencyHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter registers instruments for gw on meter.
func NewOTelExporter(meter metric.Meter, gw *gatekeeper.Gateway) (*OTelExporter, error) {
	if gw == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, gw)
}

// NewOTelExporterFromSource is NewOTelExporter over any snapshot source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	var observables []metric.Observable

	byFamily := map[string]int{}
	for _, family := range internaldefs.Families() {
		name := "gatekeeper." + family + ".events"
		ins, err := meter.Int64ObservableCounter(name,
			metric.WithDescription("Gateway "+family+" decisions by outcome."),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", name, err)
		}
		byFamily[family] = len(e.families)
		e.families = append(e.families, familyCounter{instrument: ins})
		observables = append(observables, ins)
	}
	for _, def := range internaldefs.CounterDefs {
		fc := &e.families[byFamily[def.Family]]
		fc.points = append(fc.points, outcomePoint{
			id:    def.ID,
			attrs: metric.WithAttributes(AttrOutcome.String(def.Outcome)),
		})
	}

	for _, def := range internaldefs.HistogramDefs {
		h := latencyHistogram{id: def.ID}
		name := "gatekeeper." + def.Family + ".latency"
		var err error
		h.buckets, err = meter.Int64ObservableGauge(name+".bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."),
		)
		if err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", name, err)
		}
		h.count, err = meter.Int64ObservableGauge(name+".count",
			metric.WithDescription(def.Help+" Total samples."),
		)
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", name, err)
		}
		for i := range h.les {
			h.les[i] = metric.WithAttributes(AttrLE.String(internaldefs.BucketLabel(i)))
		}
		e.histograms = append(e.histograms, h)
		observables = append(observables, h.buckets, h.count)
	}

	var err error
	e.auditDropped, err = meter.Int64ObservableCounter("gatekeeper.audit.dropped",
		metric.WithDescription("Audit events lost to dispatcher backpressure."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, e.auditDropped)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

// observe reads one snapshot so every instrument in a collection agrees.
func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, fc := range e.families {
		for _, p := range fc.points {
			o.ObserveInt64(fc.instrument, int64(snap.Counters[p.id]), p.attrs)
		}
	}
	for _, h := range e.histograms {
		raw, ok := snap.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, n := range cumulative {
			o.ObserveInt64(h.buckets, int64(n), h.les[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
