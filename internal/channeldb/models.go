// Package channeldb defines the persisted entities of the payment engine
// and the Store interface both backends (bbolt, Postgres) implement. The
// entity shapes and invariants are spec.md §3, unchanged; the package
// name and migration-gating idiom are carried over from the teacher's
// own channeldb/db.go.
package channeldb

import "time"

// ChannelStatus is the PaymentChannel lifecycle state, spec.md §4.2.
type ChannelStatus int

const (
	StatusInactive ChannelStatus = 1
	StatusActive   ChannelStatus = 2
	StatusInvalid  ChannelStatus = 3
	StatusSettled  ChannelStatus = 4
	StatusExpired  ChannelStatus = 5
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusInvalid:
		return "INVALID"
	case StatusSettled:
		return "SETTLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// User is an authenticated party identified by a public key.
type User struct {
	ID        int64
	Username  string
	PublicKey []byte // SEC1 encoding, compressed or uncompressed
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentChannel is the off-chain/on-chain channel record, spec.md §3.
type PaymentChannel struct {
	ID              int64
	UserID          int64
	ChannelID       string
	Amount          int64 // total locked, base units
	DurationSeconds int64
	Status          ChannelStatus

	SellerSignature [65]byte
	RefundTxData    []byte
	FundingTxData   []byte

	TxHash     string // funding tx hash, set on activation
	SettleHash string // set on settlement

	VerifiedAt *time.Time
	IsDefault  bool

	ConsumedTokens int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AmountInTokens returns amount*0.01 (integer floor), the channel's
// token-denominated capacity.
func (c *PaymentChannel) AmountInTokens() int64 {
	return c.Amount / BaseUnitsPerToken
}

// Deadline returns verified_at + duration_seconds; the zero Time if the
// channel was never verified.
func (c *PaymentChannel) Deadline() time.Time {
	if c.VerifiedAt == nil {
		return time.Time{}
	}
	return c.VerifiedAt.Add(time.Duration(c.DurationSeconds) * time.Second)
}

// BaseUnitsPerToken is the canonical token->base_unit ratio (token *
// 100 = base units; the inverse display ratio is 1 base_unit = 0.01
// token). spec.md §9 fixes this direction explicitly — it must never be
// inverted.
const BaseUnitsPerToken = 100

// ChunkPayment is one priced unit of streamed content, spec.md §3.
type ChunkPayment struct {
	ID          int64
	ChunkID     string
	UserID      int64
	SessionID   string
	ChannelID   string // the channel the chunk was reserved against, set at creation
	TokensCount int64
	IsPaid      bool

	CumulativePayment int64
	RemainingBalance  int64
	TransactionData   []byte
	BuyerSignature    [65]byte

	CreatedAt time.Time
	PaidAt    *time.Time
}

// ScheduledTaskLog is one execution record of a scheduled task, spec.md
// §3/§4.5.
type ExecutionStatus string

const (
	TaskRunning ExecutionStatus = "running"
	TaskSuccess ExecutionStatus = "success"
	TaskFailed  ExecutionStatus = "failed"
)

type ScheduledTaskLog struct {
	ID              int64
	TaskName        string
	TaskType        string
	ExecutionStatus ExecutionStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationMs      int64
	ResultData      []byte // JSON
	ErrorMessage    string
	SettledCount    int
	CheckedCount    int
	CreatedAt       time.Time
}

// Session backs the chunk_payments(user_id, session_id, is_paid) index;
// spec.md lists the index but never names the owning entity.
type Session struct {
	ID        string
	UserID    int64
	StartedAt time.Time
}

// SessionUnpaidSummary is the session_unpaid aggregate, spec.md §4.3.
type SessionUnpaidSummary struct {
	Count  int64
	Tokens int64
}
