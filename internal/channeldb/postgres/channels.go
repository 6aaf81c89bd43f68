package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

func scanChannel(row pgx.Row) (*channeldb.PaymentChannel, error) {
	ch := &channeldb.PaymentChannel{}
	err := row.Scan(
		&ch.ID, &ch.UserID, &ch.ChannelID, &ch.Amount, &ch.DurationSeconds, &ch.Status,
		&ch.SellerSignature, &ch.RefundTxData, &ch.FundingTxData,
		&ch.TxHash, &ch.SettleHash, &ch.VerifiedAt, &ch.IsDefault, &ch.ConsumedTokens,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	return ch, err
}

const channelColumns = `id, user_id, channel_id, amount, duration_seconds, status,
	seller_signature, refund_tx_data, funding_tx_data,
	tx_hash, settle_hash, verified_at, is_default, consumed_tokens,
	created_at, updated_at`

func (d *DB) CreateChannel(ctx context.Context, ch *channeldb.PaymentChannel) error {
	const op = "postgres.CreateChannel"

	sig := ch.SellerSignature[:]
	err := d.pool.QueryRow(ctx,
		`INSERT INTO payment_channels
			(user_id, channel_id, amount, duration_seconds, status,
			 seller_signature, refund_tx_data, funding_tx_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		ch.UserID, ch.ChannelID, ch.Amount, ch.DurationSeconds, ch.Status,
		sig, ch.RefundTxData, ch.FundingTxData,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.StateConflict, fmt.Errorf("channel_id %q already exists", ch.ChannelID))
		}
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) ChannelByChannelID(ctx context.Context, channelID string) (*channeldb.PaymentChannel, error) {
	const op = "postgres.ChannelByChannelID"

	ch, err := scanChannel(d.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM payment_channels WHERE channel_id = $1`, channelID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such channel %q", channelID))
	}
	return ch, nil
}

func (d *DB) DefaultChannel(ctx context.Context, userID int64) (*channeldb.PaymentChannel, error) {
	const op = "postgres.DefaultChannel"

	ch, err := scanChannel(d.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM payment_channels WHERE user_id = $1 AND is_default`, userID))
	if err != nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("user %d has no default channel", userID))
	}
	return ch, nil
}

func (d *DB) ActivateChannel(ctx context.Context, channelID, txHash string, verifiedAt time.Time) error {
	const op = "postgres.ActivateChannel"

	tag, err := d.pool.Exec(ctx,
		`UPDATE payment_channels
		 SET status = $1, tx_hash = $2, verified_at = $3, updated_at = now()
		 WHERE channel_id = $4 AND status = $5`,
		channeldb.StatusActive, txHash, verifiedAt.UTC(), channelID, channeldb.StatusInactive)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		ch, getErr := d.ChannelByChannelID(ctx, channelID)
		if getErr == nil && ch.Status == channeldb.StatusActive && ch.TxHash == txHash {
			return nil // idempotent retry
		}
		return errs.New(op, errs.StateConflict, fmt.Errorf("cannot activate channel %q", channelID))
	}

	// Claim the default-channel slot if the user has none yet.
	_, err = d.pool.Exec(ctx,
		`UPDATE payment_channels SET is_default = TRUE, updated_at = now()
		 WHERE channel_id = $1 AND user_id = (
		   SELECT user_id FROM payment_channels WHERE channel_id = $1
		 ) AND NOT EXISTS (
		   SELECT 1 FROM payment_channels p2
		   WHERE p2.user_id = (SELECT user_id FROM payment_channels WHERE channel_id = $1)
		   AND p2.is_default
		 )`, channelID)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) InvalidateChannel(ctx context.Context, channelID string) error {
	const op = "postgres.InvalidateChannel"

	tag, err := d.pool.Exec(ctx,
		`UPDATE payment_channels SET status = $1, updated_at = now()
		 WHERE channel_id = $2 AND status = $3`,
		channeldb.StatusInvalid, channelID, channeldb.StatusInactive)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		ch, getErr := d.ChannelByChannelID(ctx, channelID)
		if getErr == nil && ch.Status == channeldb.StatusInvalid {
			return nil // idempotent
		}
		return errs.New(op, errs.StateConflict, fmt.Errorf("cannot invalidate channel %q", channelID))
	}
	return nil
}

func (d *DB) SetDefaultChannel(ctx context.Context, userID int64, channelID string) error {
	const op = "postgres.SetDefaultChannel"

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	defer tx.Rollback(ctx)

	var status channeldb.ChannelStatus
	var owner int64
	err = tx.QueryRow(ctx,
		`SELECT user_id, status FROM payment_channels WHERE channel_id = $1`, channelID,
	).Scan(&owner, &status)
	if err != nil {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such channel for user"))
	}
	if owner != userID {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such channel for user"))
	}
	if status != channeldb.StatusActive {
		return errs.New(op, errs.StateConflict, fmt.Errorf("only an ACTIVE channel may be default"))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payment_channels SET is_default = FALSE, updated_at = now()
		 WHERE user_id = $1 AND is_default`, userID); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE payment_channels SET is_default = TRUE, updated_at = now()
		 WHERE channel_id = $1`, channelID); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) SettleChannel(ctx context.Context, channelID, settleHash string) error {
	const op = "postgres.SettleChannel"

	tag, err := d.pool.Exec(ctx,
		`UPDATE payment_channels SET status = $1, settle_hash = $2, updated_at = now()
		 WHERE channel_id = $3 AND status = $4`,
		channeldb.StatusSettled, settleHash, channelID, channeldb.StatusActive)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(op, errs.StateConflict, fmt.Errorf("cannot settle channel %q", channelID))
	}
	return nil
}

func (d *DB) ExpireChannels(ctx context.Context, asOf time.Time) ([]string, error) {
	const op = "postgres.ExpireChannels"

	rows, err := d.pool.Query(ctx,
		`UPDATE payment_channels
		 SET status = $1, updated_at = $2
		 WHERE status = $3 AND verified_at IS NOT NULL
		   AND verified_at + (duration_seconds * interval '1 second') <= $2
		 RETURNING channel_id`,
		channeldb.StatusExpired, asOf.UTC(), channeldb.StatusActive)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (d *DB) ChannelsNearingDeadline(ctx context.Context, asOf time.Time, window time.Duration) ([]*channeldb.PaymentChannel, error) {
	const op = "postgres.ChannelsNearingDeadline"

	rows, err := d.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM payment_channels
		 WHERE status = $1 AND verified_at IS NOT NULL
		   AND verified_at + (duration_seconds * interval '1 second') - $2 <= $3
		 ORDER BY verified_at + (duration_seconds * interval '1 second') ASC`,
		channeldb.StatusActive, asOf.UTC(), window)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	defer rows.Close()

	var out []*channeldb.PaymentChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func (d *DB) IncrConsumedTokens(ctx context.Context, channelID string, delta int64) error {
	const op = "postgres.IncrConsumedTokens"

	tag, err := d.pool.Exec(ctx,
		`UPDATE payment_channels
		 SET consumed_tokens = consumed_tokens + $1, updated_at = now()
		 WHERE channel_id = $2 AND consumed_tokens + $1 <= amount / $3`,
		delta, channelID, channeldb.BaseUnitsPerToken)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if tag.RowsAffected() == 0 {
		ch, getErr := d.ChannelByChannelID(ctx, channelID)
		if getErr != nil {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel"))
		}
		return errs.New(op, errs.Insufficient,
			fmt.Errorf("consumed_tokens delta %d would exceed capacity %d", delta, ch.AmountInTokens()))
	}
	return nil
}
