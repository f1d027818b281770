// Package audit carries security decisions from the gateway to sinks off
// the request path.
//
// An [Event] names what was decided (rate_limit_denied, authorization_denied,
// invitation_rejected, upload_rejected and their success counterparts), for
// whom, and why. The [Dispatcher] queues events and delivers them from one
// goroutine: a full queue either drops (and counts) or blocks until the
// caller's context ends, a panicking sink is logged and skipped, and every
// sink call runs under its own deadline.
//
// Bundled sinks write to a channel, to JSON lines, or to a zap logger.
// Which events exist is the gateway's business, not this package's.
package audit
