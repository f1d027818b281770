package otel

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/canvasmarket/gatekeeper"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot gatekeeper.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() gatekeeper.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := gatekeeper.MetricsSnapshot{
		Counters:   make(map[gatekeeper.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[gatekeeper.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gatekeeper-test")

	src := &fakeSource{
		snapshot: gatekeeper.MetricsSnapshot{
			Counters: map[gatekeeper.MetricID]uint64{
				gatekeeper.MetricAuthSuccess: 3,
			},
			Histograms: map[gatekeeper.MetricID][]uint64{
				gatekeeper.MetricAuthLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected collected metrics, got none")
	}
	if got := sumValue(t, rm, "gatekeeper.auth.events", AttrOutcome.String("success")); got != 3 {
		t.Fatalf("expected auth success 3, got %d", got)
	}
	if got := sumValue(t, rm, "gatekeeper.auth.events", AttrOutcome.String("failure")); got != 0 {
		t.Fatalf("expected auth failure 0, got %d", got)
	}
	if got := sumValue(t, rm, "gatekeeper.audit.dropped"); got != 1 {
		t.Fatalf("expected audit dropped 1, got %d", got)
	}
	if got := gaugeValue(t, rm, "gatekeeper.auth.latency.bucket", AttrLE.String("0.01")); got != 2 {
		t.Fatalf("expected 2 samples <= 10ms, got %d", got)
	}
	if got := gaugeValue(t, rm, "gatekeeper.auth.latency.bucket", AttrLE.String("+Inf")); got != 8 {
		t.Fatalf("expected 8 samples in +Inf bucket, got %d", got)
	}
	if got := gaugeValue(t, rm, "gatekeeper.auth.latency.count"); got != 8 {
		t.Fatalf("expected count 8, got %d", got)
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	if len(want) == 0 {
		return set.Len() == 0
	}
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		t.Fatalf("metric %s not collected", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s has unexpected data %T", name, m.Data)
	}
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, attrs) {
			return dp.Value
		}
	}
	t.Fatalf("metric %s has no point for %v", name, attrs)
	return 0
}

func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		t.Fatalf("metric %s not collected", name)
	}
	g, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("metric %s has unexpected data %T", name, m.Data)
	}
	for _, dp := range g.DataPoints {
		if matches(dp.Attributes, attrs) {
			return dp.Value
		}
	}
	t.Fatalf("metric %s has no point for %v", name, attrs)
	return 0
}

func TestExporterRejectsNilSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gatekeeper-test")

	if _, err := NewOTelExporterFromSource(meter, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gatekeeper-test")

	src := &fakeSource{
		snapshot: gatekeeper.MetricsSnapshot{
			Counters: map[gatekeeper.MetricID]uint64{
				gatekeeper.MetricAuthSuccess: 1,
			},
			Histograms: map[gatekeeper.MetricID][]uint64{
				gatekeeper.MetricAuthLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[gatekeeper.MetricAuthSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
