// Package upstream bounds calls to external collaborators (identity
// provider, role store, invitation and artist stores) with a per-call
// timeout and a circuit breaker.
//
// Errors the collaborator returns on purpose ("not found", "credential
// rejected") pass through untouched and do not count against the breaker.
// Everything else, including timeouts and an open breaker, is wrapped in
// [ErrUnavailable] so callers can map it to an upstream failure.
package upstream
