package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// failure, the SQL-backend equivalent of the bolt backend's
// "key already exists" check before a Put.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

func (d *DB) CreateUser(ctx context.Context, username string, publicKey []byte) (*channeldb.User, error) {
	const op = "postgres.CreateUser"

	u := &channeldb.User{}
	err := d.pool.QueryRow(ctx,
		`INSERT INTO users (username, public_key, is_active)
		 VALUES ($1, $2, TRUE)
		 RETURNING id, username, public_key, is_active, created_at, updated_at`,
		username, publicKey,
	).Scan(&u.ID, &u.Username, &u.PublicKey, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.New(op, errs.StateConflict, fmt.Errorf("public key already registered"))
		}
		return nil, errs.New(op, errs.Internal, err)
	}
	return u, nil
}

func (d *DB) UserByPublicKey(ctx context.Context, publicKey []byte) (*channeldb.User, error) {
	const op = "postgres.UserByPublicKey"

	u := &channeldb.User{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, public_key, is_active, created_at, updated_at
		 FROM users WHERE public_key = $1`, publicKey,
	).Scan(&u.ID, &u.Username, &u.PublicKey, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
	}
	return u, nil
}

func (d *DB) UserByID(ctx context.Context, id int64) (*channeldb.User, error) {
	const op = "postgres.UserByID"

	u := &channeldb.User{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, public_key, is_active, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.PublicKey, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
	}
	return u, nil
}

func (d *DB) SetUserActive(ctx context.Context, id int64, active bool) error {
	const op = "postgres.SetUserActive"

	tag, err := d.pool.Exec(ctx,
		`UPDATE users SET is_active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
	}
	return nil
}

func (d *DB) EnsureSession(ctx context.Context, sessionID string, userID int64) error {
	const op = "postgres.EnsureSession"

	_, err := d.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, started_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`, sessionID, userID, time.Now().UTC())
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}
