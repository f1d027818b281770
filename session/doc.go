// Package session provides the Redis-backed session registry the bundled
// identity provider consults to decide whether a token's session is still
// live.
//
// # Binary encoding
//
// Sessions are stored as a compact binary record (format v1 and v2) keyed
// by session id. Older records decode with zero values for fields added
// later.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT parse tokens, read roles, or make authorization decisions.
//
// # What this package must NOT do
//
//   - Import gatekeeper, jwt, or permission (no upward imports).
//   - Store roles or privileges; those are always re-read from the role store.
//   - Store plaintext secrets in [Session] fields.
package session
