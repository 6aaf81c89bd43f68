// Package postgres is the production Channel Store backend: a real
// relational schema served over pgx/v4, for operators who want the
// engine's state queryable with ordinary SQL rather than bbolt's
// embedded KV. It implements the same channeldb.Store interface as the
// bolt backend and is migrated the same way the teacher's own
// channeldb/db.go migrates channel.db — a versioned, forward-only list
// of migration functions gated by a stored schema version, just
// expressed as SQL statements instead of bucket mutations.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

// migration is one forward step of the schema, mirroring the teacher's
// channeldb/db.go migration type but over a SQL connection instead of a
// bolt transaction.
type migration struct {
	number int
	stmts  []string
}

// migrations lists every schema version in order. Table and index
// names mirror the bolt backend's bucket names so the two backends'
// grounding stays visibly the same shape.
var migrations = []migration{
	{
		number: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS database_info (
				id INT PRIMARY KEY DEFAULT 1,
				version INT NOT NULL,
				CHECK (id = 1)
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				username TEXT NOT NULL,
				public_key BYTEA NOT NULL UNIQUE,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id),
				started_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS payment_channels (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id),
				channel_id TEXT NOT NULL UNIQUE,
				amount BIGINT NOT NULL,
				duration_seconds BIGINT NOT NULL,
				status SMALLINT NOT NULL,
				seller_signature BYTEA NOT NULL,
				refund_tx_data BYTEA,
				funding_tx_data BYTEA,
				tx_hash TEXT NOT NULL DEFAULT '',
				settle_hash TEXT NOT NULL DEFAULT '',
				verified_at TIMESTAMPTZ,
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				consumed_tokens BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS payment_channels_user_status_idx
				ON payment_channels (user_id, status)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS payment_channels_default_idx
				ON payment_channels (user_id) WHERE is_default`,
			`CREATE TABLE IF NOT EXISTS chunk_payments (
				id BIGSERIAL PRIMARY KEY,
				chunk_id TEXT NOT NULL UNIQUE,
				user_id BIGINT NOT NULL REFERENCES users(id),
				session_id TEXT NOT NULL REFERENCES sessions(id),
				channel_id TEXT NOT NULL DEFAULT '',
				tokens_count BIGINT NOT NULL,
				is_paid BOOLEAN NOT NULL DEFAULT FALSE,
				cumulative_payment BIGINT NOT NULL DEFAULT 0,
				remaining_balance BIGINT NOT NULL DEFAULT 0,
				transaction_data BYTEA,
				buyer_signature BYTEA,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				paid_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS chunk_payments_channel_idx
				ON chunk_payments (channel_id, created_at, id)`,
			`CREATE INDEX IF NOT EXISTS chunk_payments_user_session_idx
				ON chunk_payments (user_id, session_id, is_paid)`,
			`CREATE TABLE IF NOT EXISTS scheduled_task_logs (
				id BIGSERIAL PRIMARY KEY,
				task_name TEXT NOT NULL,
				task_type TEXT NOT NULL,
				execution_status TEXT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				result_data BYTEA,
				error_message TEXT NOT NULL DEFAULT '',
				settled_count INT NOT NULL DEFAULT 0,
				checked_count INT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
}

// DB is the pgx-backed Store implementation.
type DB struct {
	pool  *pgxpool.Pool
	locks *channeldb.KeyedMutex
}

// Open connects to dsn and applies any pending migrations.
func Open(ctx context.Context, dsn string) (*DB, error) {
	const op = "postgres.Open"

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	db := &DB{pool: pool, locks: channeldb.NewKeyedMutex()}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate(ctx context.Context) error {
	const op = "postgres.migrate"

	if _, err := d.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS database_info (
		id INT PRIMARY KEY DEFAULT 1, version INT NOT NULL, CHECK (id = 1))`); err != nil {
		return errs.New(op, errs.Internal, err)
	}

	var current int
	err := d.pool.QueryRow(ctx, `SELECT version FROM database_info WHERE id = 1`).Scan(&current)
	if err != nil {
		current = 0
	}

	for _, m := range migrations {
		if m.number <= current {
			continue
		}
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return errs.New(op, errs.Internal, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				tx.Rollback(ctx)
				return errs.New(op, errs.Internal,
					fmt.Errorf("migration %d: %w", m.number, err))
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO database_info (id, version) VALUES (1, $1)
			 ON CONFLICT (id) DO UPDATE SET version = $1`, m.number); err != nil {
			tx.Rollback(ctx)
			return errs.New(op, errs.Internal, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return errs.New(op, errs.Internal, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

var _ channeldb.Store = (*DB)(nil)
