// Package middleware exposes net/http adapters over gatekeeper.Gateway.
//
// # Guards
//
//   - [RateLimit] counts the request against a named policy.
//   - [RequireAuth] resolves the caller and attaches the principal.
//   - [RequireAdmin], [RequireRole] and [RequireOwner] add privilege checks.
//
// Every guard renders failures through the Gateway's Responder, so the
// status code, body and Retry-After header match what handlers produce
// when they call the Gateway directly.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Gateway calls. It does NOT
// implement authentication, authorization or rate limiting itself.
//
// # What this package must NOT do
//
//   - Parse credentials or read roles (delegates to the Gateway).
//   - Cache principals between requests.
//   - Write error bodies of its own.
package middleware
