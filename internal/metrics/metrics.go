package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter slot.
type MetricID uint16

const (
	MetricRateLimitAllowed MetricID = iota
	MetricRateLimitDenied
	MetricRateLimitStoreFailure
	MetricRateLimitFailOpen
	MetricRateLimitFailClosed
	MetricAuthSuccess
	MetricAuthFailure
	MetricAuthUpstreamFailure
	MetricAuthorizationDenied
	MetricInvitationValid
	MetricInvitationRejected
	MetricInvitationAbuseFlagged
	MetricInvitationAbuseBlocked
	MetricInvitationConsumed
	MetricInvitationConsumeConflict
	MetricUploadAccepted
	MetricUploadRejected
	MetricUploadSuspicious
	MetricAuthLatency
	MetricUploadLatency
	MetricIDCount
)

const (
	HistogramBucketCount = 8
	cacheLineSize        = 64
)

type histogram struct {
	buckets [HistogramBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config toggles collection.
type Config struct {
	Enabled       bool
	EnableLatency bool
}

// Metrics holds lock-free counters and fixed-bucket latency histograms.
// A nil *Metrics is a valid no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [MetricIDCount]paddedCounter
	histograms    [MetricIDCount]histogram
}

// Snapshot is a point-in-time copy of every counter and enabled histogram.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatency,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram for id. Only latency IDs carry
// histograms; other IDs are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || !isHistogram(id) {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[MetricID]uint64, int(MetricIDCount)),
		Histograms: make(map[MetricID][]uint64, 2),
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		if isHistogram(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range []MetricID{MetricAuthLatency, MetricUploadLatency} {
			buckets := make([]uint64, HistogramBucketCount)
			for i := range buckets {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}
	return s
}

func isHistogram(id MetricID) bool {
	return id == MetricAuthLatency || id == MetricUploadLatency
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
