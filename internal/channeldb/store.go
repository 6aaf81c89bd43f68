package channeldb

import (
	"context"
	"time"
)

// Store is the single authoritative mutator of durable state, per
// spec.md §5. Both the bbolt (internal/channeldb/bolt) and Postgres
// (internal/channeldb/postgres) backends implement it identically; the
// rest of the engine never imports a concrete backend directly.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, username string, publicKey []byte) (*User, error)
	UserByPublicKey(ctx context.Context, publicKey []byte) (*User, error)
	UserByID(ctx context.Context, id int64) (*User, error)
	SetUserActive(ctx context.Context, id int64, active bool) error

	// Sessions.
	EnsureSession(ctx context.Context, sessionID string, userID int64) error

	// Channels.
	CreateChannel(ctx context.Context, ch *PaymentChannel) error
	ChannelByChannelID(ctx context.Context, channelID string) (*PaymentChannel, error)
	DefaultChannel(ctx context.Context, userID int64) (*PaymentChannel, error)
	ActivateChannel(ctx context.Context, channelID, txHash string, verifiedAt time.Time) error
	InvalidateChannel(ctx context.Context, channelID string) error
	SetDefaultChannel(ctx context.Context, userID int64, channelID string) error
	SettleChannel(ctx context.Context, channelID, settleHash string) error
	ExpireChannels(ctx context.Context, asOf time.Time) ([]string, error)
	ChannelsNearingDeadline(ctx context.Context, asOf time.Time, window time.Duration) ([]*PaymentChannel, error)
	IncrConsumedTokens(ctx context.Context, channelID string, delta int64) error

	// Chunk payments. fn is called with a ChannelTx (the channel row
	// plus chunk reads and writes) under the store's per-channel critical
	// section so callers can enforce monotonic accounting without a
	// separate round trip; fn must not block on I/O.
	WithChannelLock(ctx context.Context, channelID string, fn func(ctx context.Context, tx ChannelTx) error) error

	ChunkByChunkID(ctx context.Context, chunkID string) (*ChunkPayment, error)
	LatestChunk(ctx context.Context, channelID string) (*ChunkPayment, error)
	SessionUnpaid(ctx context.Context, userID int64) (SessionUnpaidSummary, error)
	PaidChunksOrdered(ctx context.Context, channelID string) ([]*ChunkPayment, error)

	// Task log.
	StartTaskLog(ctx context.Context, taskName, taskType string, startedAt time.Time) (int64, error)
	CompleteTaskLog(ctx context.Context, id int64, status ExecutionStatus, completedAt time.Time, durationMs int64, resultData []byte, errMsg string, settled, checked int) error

	Close() error
}

// ChannelTx is the narrow, channel-scoped view of the store handed to
// WithChannelLock's callback: everything the Chunk Payment Engine needs
// while holding the per-channel lock, and nothing else, so the critical
// section stays short per spec.md §5 ("signature verification ... must
// not hold DB transactions longer than necessary").
type ChannelTx interface {
	Channel() *PaymentChannel
	InsertUnpaidChunk(ctx context.Context, c *ChunkPayment) error
	MarkChunkPaid(ctx context.Context, chunkID string, txData, sig []byte, paidAt time.Time) error
	ChunkByChunkID(ctx context.Context, chunkID string) (*ChunkPayment, error)

	// LatestReservedChunk returns the most recently created chunk for
	// this channel (paid or not), the reservation baseline create_chunk
	// must build on so two pending chunks never reserve the same
	// cumulative_payment. Returns an error of kind errs.NotFound if the
	// channel has no chunks yet.
	LatestReservedChunk(ctx context.Context) (*ChunkPayment, error)
}
