// Package identity provides the bundled gatekeeper.IdentityProvider: a
// signed access token resolved through the jwt package and checked against
// the Redis session registry.
//
// A token that fails to parse or verify is reported as
// gatekeeper.ErrInvalidCredential. A session registry failure is returned
// as-is so the Gateway reports it as an upstream error rather than an
// authentication failure.
package identity
