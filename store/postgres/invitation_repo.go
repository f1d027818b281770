package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canvasmarket/gatekeeper"
)

// InvitationRepo implements gatekeeper.InvitationStore.
type InvitationRepo struct{ db *DB }

var _ gatekeeper.InvitationStore = (*InvitationRepo)(nil)

// NewInvitationRepo constructs an invitation repository.
func NewInvitationRepo(db *DB) *InvitationRepo { return &InvitationRepo{db: db} }

// FindInvitation selects one invitation by token.
func (r *InvitationRepo) FindInvitation(ctx context.Context, token string) (gatekeeper.Invitation, error) {
	const q = `
SELECT token, email, created_at, used
FROM invitations WHERE token=$1`
	var inv gatekeeper.Invitation
	err := r.db.Pool.QueryRow(ctx, q, token).Scan(&inv.Token, &inv.Email, &inv.CreatedAt, &inv.Used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gatekeeper.Invitation{}, gatekeeper.ErrNotFound
		}
		return gatekeeper.Invitation{}, fmt.Errorf("find invitation: %w", err)
	}
	return inv, nil
}

// CountInvitations counts every invitation ever issued to email.
func (r *InvitationRepo) CountInvitations(ctx context.Context, email string) (int, error) {
	const q = `
SELECT count(*)
FROM invitations WHERE lower(email) = lower($1)`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, email).Scan(&n); err != nil {
		return 0, fmt.Errorf("count invitations: %w", err)
	}
	return int(n), nil
}

// MarkInvitationUsed flips used only where it is still false, so of any
// number of concurrent callers exactly one sees true.
func (r *InvitationRepo) MarkInvitationUsed(ctx context.Context, token string) (bool, error) {
	return markInvitationUsed(ctx, r.db.Pool, token)
}

func markInvitationUsed(ctx context.Context, ex execer, token string) (bool, error) {
	const q = `
UPDATE invitations
SET used = TRUE, used_at = now()
WHERE token = $1 AND used = FALSE`
	tag, err := ex.Exec(ctx, q, token)
	if err != nil {
		return false, fmt.Errorf("mark invitation used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateInvitation inserts an unused invitation.
func (r *InvitationRepo) CreateInvitation(ctx context.Context, token, email string) error {
	const q = `
INSERT INTO invitations (token, email)
VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, token, email)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}
