// Package daemon is the HTTP surface of gatekeeperd.
//
// It mounts the gateway middleware on a chi router in front of a small set
// of marketplace endpoints (sessions, invitations, artist registration,
// uploads, account deletion, contact, admin posture report) and owns the
// process lifecycle: configuration, store selection, graceful shutdown.
//
// Persistence is postgres when a DSN is given and an in-memory directory
// otherwise; sessions live in redis, or in an embedded miniredis.
package daemon
