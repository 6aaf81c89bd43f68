package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

const chunkColumns = `id, chunk_id, user_id, session_id, channel_id, tokens_count, is_paid,
	cumulative_payment, remaining_balance, transaction_data, buyer_signature,
	created_at, paid_at`

func scanChunk(row pgx.Row) (*channeldb.ChunkPayment, error) {
	cp := &channeldb.ChunkPayment{}
	var sig []byte
	err := row.Scan(
		&cp.ID, &cp.ChunkID, &cp.UserID, &cp.SessionID, &cp.ChannelID, &cp.TokensCount, &cp.IsPaid,
		&cp.CumulativePayment, &cp.RemainingBalance, &cp.TransactionData, &sig,
		&cp.CreatedAt, &cp.PaidAt,
	)
	if err == nil {
		copy(cp.BuyerSignature[:], sig)
	}
	return cp, err
}

// tx implements channeldb.ChannelTx over a single pgx transaction with
// the payment_channels row already locked FOR UPDATE, giving the
// Postgres backend the same per-channel critical section the bolt
// backend gets from its KeyedMutex plus bolt.Update's serial writer.
type tx struct {
	pgTx pgx.Tx
	ch   *channeldb.PaymentChannel
}

func (t *tx) Channel() *channeldb.PaymentChannel { return t.ch }

func (t *tx) InsertUnpaidChunk(ctx context.Context, cp *channeldb.ChunkPayment) error {
	const op = "postgres.tx.InsertUnpaidChunk"

	err := t.pgTx.QueryRow(ctx,
		`INSERT INTO chunk_payments
			(chunk_id, user_id, session_id, channel_id, tokens_count, is_paid,
			 cumulative_payment, remaining_balance)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
		 RETURNING id, created_at`,
		cp.ChunkID, cp.UserID, cp.SessionID, cp.ChannelID, cp.TokensCount,
		cp.CumulativePayment, cp.RemainingBalance,
	).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.StateConflict, fmt.Errorf("chunk_id %q already exists", cp.ChunkID))
		}
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (t *tx) ChunkByChunkID(ctx context.Context, chunkID string) (*channeldb.ChunkPayment, error) {
	const op = "postgres.tx.ChunkByChunkID"

	cp, err := scanChunk(t.pgTx.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk_payments WHERE chunk_id = $1`, chunkID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such chunk %q", chunkID))
	}
	return cp, nil
}

func (t *tx) LatestReservedChunk(ctx context.Context) (*channeldb.ChunkPayment, error) {
	const op = "postgres.tx.LatestReservedChunk"

	cp, err := scanChunk(t.pgTx.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk_payments
		 WHERE channel_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, t.ch.ChannelID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("channel %q has no chunks", t.ch.ChannelID))
	}
	return cp, nil
}

func (t *tx) MarkChunkPaid(ctx context.Context, chunkID string, txData, sig []byte, paidAt time.Time) error {
	const op = "postgres.tx.MarkChunkPaid"

	cp, err := t.ChunkByChunkID(ctx, chunkID)
	if err != nil {
		return err
	}
	if cp.IsPaid {
		return errs.New(op, errs.StateConflict, fmt.Errorf("chunk %q already paid", chunkID))
	}

	newConsumed := t.ch.ConsumedTokens + cp.TokensCount
	if newConsumed > t.ch.AmountInTokens() {
		return errs.New(op, errs.Insufficient,
			fmt.Errorf("consumed_tokens %d would exceed capacity %d", newConsumed, t.ch.AmountInTokens()))
	}

	if _, err := t.pgTx.Exec(ctx,
		`UPDATE chunk_payments
		 SET is_paid = TRUE, paid_at = $1, transaction_data = $2, buyer_signature = $3
		 WHERE chunk_id = $4`,
		paidAt.UTC(), txData, sig, chunkID); err != nil {
		return errs.New(op, errs.Internal, err)
	}

	if _, err := t.pgTx.Exec(ctx,
		`UPDATE payment_channels SET consumed_tokens = $1, updated_at = now()
		 WHERE channel_id = $2`, newConsumed, t.ch.ChannelID); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	t.ch.ConsumedTokens = newConsumed
	return nil
}

// WithChannelLock implements channeldb.Store. It opens a transaction and
// takes SELECT ... FOR UPDATE on the channel row, which blocks any
// concurrent WithChannelLock on the same channel_id until commit —
// Postgres's native equivalent of the bolt backend's KeyedMutex.
func (d *DB) WithChannelLock(ctx context.Context, channelID string,
	fn func(ctx context.Context, ct channeldb.ChannelTx) error) error {

	const op = "postgres.WithChannelLock"

	pgTx, err := d.pool.Begin(ctx)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	defer pgTx.Rollback(ctx)

	ch, err := scanChannel(pgTx.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM payment_channels WHERE channel_id = $1 FOR UPDATE`, channelID))
	if err != nil {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such channel %q", channelID))
	}

	if err := fn(ctx, &tx{pgTx: pgTx, ch: ch}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) ChunkByChunkID(ctx context.Context, chunkID string) (*channeldb.ChunkPayment, error) {
	const op = "postgres.ChunkByChunkID"

	cp, err := scanChunk(d.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk_payments WHERE chunk_id = $1`, chunkID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such chunk %q", chunkID))
	}
	return cp, nil
}

func (d *DB) LatestChunk(ctx context.Context, channelID string) (*channeldb.ChunkPayment, error) {
	const op = "postgres.LatestChunk"

	cp, err := scanChunk(d.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk_payments
		 WHERE channel_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, channelID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("channel %q has no chunks", channelID))
	}
	return cp, nil
}

func (d *DB) PaidChunksOrdered(ctx context.Context, channelID string) ([]*channeldb.ChunkPayment, error) {
	const op = "postgres.PaidChunksOrdered"

	rows, err := d.pool.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunk_payments
		 WHERE channel_id = $1 AND is_paid ORDER BY created_at ASC, id ASC`, channelID)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	defer rows.Close()

	var out []*channeldb.ChunkPayment
	for rows.Next() {
		cp, err := scanChunk(rows)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (d *DB) SessionUnpaid(ctx context.Context, userID int64) (channeldb.SessionUnpaidSummary, error) {
	const op = "postgres.SessionUnpaid"

	var out channeldb.SessionUnpaidSummary
	err := d.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_count), 0)
		 FROM chunk_payments WHERE user_id = $1 AND NOT is_paid`, userID,
	).Scan(&out.Count, &out.Tokens)
	if err != nil {
		return out, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) StartTaskLog(ctx context.Context, taskName, taskType string, startedAt time.Time) (int64, error) {
	const op = "postgres.StartTaskLog"

	var id int64
	err := d.pool.QueryRow(ctx,
		`INSERT INTO scheduled_task_logs (task_name, task_type, execution_status, started_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		taskName, taskType, channeldb.TaskRunning, startedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}
	return id, nil
}

func (d *DB) CompleteTaskLog(ctx context.Context, id int64, status channeldb.ExecutionStatus,
	completedAt time.Time, durationMs int64, resultData []byte, errMsg string, settled, checked int) error {

	const op = "postgres.CompleteTaskLog"

	tag, err := d.pool.Exec(ctx,
		`UPDATE scheduled_task_logs
		 SET execution_status = $1, completed_at = $2, duration_ms = $3,
		     result_data = $4, error_message = $5, settled_count = $6, checked_count = $7
		 WHERE id = $8`,
		status, completedAt.UTC(), durationMs, resultData, errMsg, settled, checked, id)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such task log %d", id))
	}
	return nil
}
