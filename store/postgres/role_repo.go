package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canvasmarket/gatekeeper"
)

// ErrAlreadyExists is returned when an insert hits a unique constraint.
var ErrAlreadyExists = gatekeeper.ErrConflict

// RoleRepo implements gatekeeper.RoleStore over the users table.
type RoleRepo struct{ db *DB }

var _ gatekeeper.RoleStore = (*RoleRepo)(nil)

// NewRoleRepo constructs a role repository.
func NewRoleRepo(db *DB) *RoleRepo { return &RoleRepo{db: db} }

// LookupRole reads the role flags of userID.
func (r *RoleRepo) LookupRole(ctx context.Context, userID string) (gatekeeper.RoleRecord, error) {
	const q = `
SELECT is_admin, is_artist, is_gallery
FROM users WHERE id=$1`
	var rec gatekeeper.RoleRecord
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&rec.IsAdmin, &rec.IsArtist, &rec.IsGallery)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gatekeeper.RoleRecord{}, gatekeeper.ErrNotFound
		}
		return gatekeeper.RoleRecord{}, fmt.Errorf("lookup role: %w", err)
	}
	return rec, nil
}

// CreateUser inserts a user with the given role flags.
func (r *RoleRepo) CreateUser(ctx context.Context, userID, email string, rec gatekeeper.RoleRecord) error {
	const q = `
INSERT INTO users (id, email, is_admin, is_artist, is_gallery)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, userID, email, rec.IsAdmin, rec.IsArtist, rec.IsGallery)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SetRole overwrites the role flags of userID. Role changes take effect on
// the caller's next request since the gateway never caches roles.
func (r *RoleRepo) SetRole(ctx context.Context, userID string, rec gatekeeper.RoleRecord) error {
	const q = `
UPDATE users
SET is_admin = $2, is_artist = $3, is_gallery = $4
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, userID, rec.IsAdmin, rec.IsArtist, rec.IsGallery)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekeeper.ErrNotFound
	}
	return nil
}
