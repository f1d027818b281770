package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the part of a connection pool the repositories use. It is
// implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB wraps a pool so repositories can share it and tests can swap it.
type DB struct{ Pool PgxPool }

// New opens a pool for dsn and verifies it with a ping.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Ping reports whether the database answers.
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Directory bundles the three repositories over one pool.
type Directory struct {
	*RoleRepo
	*InvitationRepo
	*ArtistRepo
	db *DB
}

// NewDirectory builds every repository over db.
func NewDirectory(db *DB) *Directory {
	return &Directory{
		RoleRepo:       NewRoleRepo(db),
		InvitationRepo: NewInvitationRepo(db),
		ArtistRepo:     NewArtistRepo(db),
		db:             db,
	}
}

// RegisterArtist consumes token and inserts the artist record in one
// transaction. It reports false and writes nothing when the token is
// unknown or already used; an artist insert failure rolls the consume back.
func (d *Directory) RegisterArtist(ctx context.Context, token, id, userID, email string) (consumed bool, err error) {
	tx, err := d.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("register artist: begin: %w", err)
	}
	defer func() {
		if err != nil || !consumed {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			consumed, err = false, fmt.Errorf("register artist: commit: %w", e)
		}
	}()

	won, err := markInvitationUsed(ctx, tx, token)
	if err != nil || !won {
		return false, err
	}
	if err := insertArtist(ctx, tx, id, userID, email); err != nil {
		return false, err
	}
	return true, nil
}
