// Package metrics counts gateway decisions and times each pipeline.
//
// Every counter is one padded atomic slot indexed by [MetricID]; the
// families (rate limit, authentication, authorization, invitation,
// upload) are laid out in metrics/export/internaldefs so exporters and
// this package agree on names. Latency histograms share the eight bucket
// bounds defined there. Recording never allocates or locks.
//
// [Snapshot] is the only read path. Exporters under metrics/export turn it
// into Prometheus or OpenTelemetry series; this package does no I/O of its
// own.
package metrics
