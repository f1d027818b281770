// Package postgres provides pgx-backed implementations of the gateway's
// RoleStore, InvitationStore and ArtistStore, plus the embedded goose
// migrations that create their tables.
//
// Repositories translate pgx.ErrNoRows into gatekeeper.ErrNotFound and
// return every other database error wrapped, so the Gateway reports it as
// an upstream failure.
package postgres
