// Package permission models the marketplace roles as a closed variant and
// answers which role satisfies which privileged check.
//
// # Roles
//
// [Collector], [Artist], [Gallery] and [Admin]. [Role.Grants] returns the
// [RoleSet] a role may act as: a gallery is an artist record with the
// gallery flag, so it also acts as [Artist], and admin is [Superuser].
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O. Roles are
// always re-derived from the role store by the caller; nothing here trusts
// a client-supplied role string except [ParseRole], which only validates.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import gatekeeper, jwt, or session.
package permission
