// Package otel binds gateway counters and latency histograms to
// OpenTelemetry observable instruments.
//
// Counters are grouped by family: "gatekeeper.rate_limit.events",
// "gatekeeper.auth.events" and so on, each data point carrying an
// "outcome" attribute. Latency histograms are exported as cumulative
// bucket gauges keyed by "le" plus a count gauge. A single callback reads
// [gatekeeper.Gateway.MetricsSnapshot] per collection.
//
// The caller owns the MeterProvider and supplies the Meter.
package otel
