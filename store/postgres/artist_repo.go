package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/canvasmarket/gatekeeper"
)

// ArtistRepo implements gatekeeper.ArtistStore.
type ArtistRepo struct{ db *DB }

var _ gatekeeper.ArtistStore = (*ArtistRepo)(nil)

// NewArtistRepo constructs an artist repository.
func NewArtistRepo(db *DB) *ArtistRepo { return &ArtistRepo{db: db} }

// ArtistExists reports whether an artist record uses email.
func (r *ArtistRepo) ArtistExists(ctx context.Context, email string) (bool, error) {
	const q = `
SELECT EXISTS (SELECT 1 FROM artists WHERE lower(email) = lower($1))`
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, q, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("artist exists: %w", err)
	}
	return exists, nil
}

// CountArtistsSince counts artist records created at or after since.
func (r *ArtistRepo) CountArtistsSince(ctx context.Context, since time.Time) (int, error) {
	const q = `
SELECT count(*)
FROM artists WHERE created_at >= $1`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count artists: %w", err)
	}
	return int(n), nil
}

// CreateArtist inserts the artist record for userID and marks the user as
// an artist.
func (r *ArtistRepo) CreateArtist(ctx context.Context, id, userID, email string) error {
	return insertArtist(ctx, r.db.Pool, id, userID, email)
}

func insertArtist(ctx context.Context, ex execer, id, userID, email string) error {
	const q = `
WITH artist AS (
    INSERT INTO artists (id, user_id, email)
    VALUES ($1, $2, $3)
    RETURNING user_id
)
UPDATE users SET is_artist = TRUE
WHERE id = (SELECT user_id FROM artist)`
	tag, err := ex.Exec(ctx, q, id, userID, email)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create artist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekeeper.ErrNotFound
	}
	return nil
}
