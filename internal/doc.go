// Package internal groups the gateway's private building blocks.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher plus Sink implementations)
//   - daemon: HTTP surface and process lifecycle of gatekeeperd
//   - flows: pure pipelines behind every Gateway operation
//   - limiters: named rate-limit policies and bucket keys
//   - metrics: lock-free counters and latency histograms
//   - rate: fixed-window bucket stores (memory and redis)
//   - security: redaction helpers and the posture report
//   - upload: content sniffing, filename hygiene, deep inspection
//   - upstream: timeout and circuit breaker around collaborators
//
// Nothing here is part of the public gatekeeper API.
package internal
