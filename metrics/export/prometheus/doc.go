// Package prometheus exposes gateway counters and latency histograms
// through github.com/prometheus/client_golang.
//
// [Collector] reads [gatekeeper.Gateway.MetricsSnapshot] on every scrape
// and emits const metrics, so the gateway's hot path never touches a
// Prometheus type. [Exporter] wraps it in a private registry and an
// [http.Handler].
//
// # What this package must NOT do
//
//   - Register into prometheus.DefaultRegisterer; callers mount the Handler
//     or register the Collector themselves.
//   - Mutate gateway state.
package prometheus
