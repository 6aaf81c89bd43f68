// Package chunkpay is the Chunk Payment Engine: the single most
// invariant-critical component. It follows htlcswitch.Switch's idiom of
// keying every per-destination critical section by an index (there,
// the channel's short id; here, its channel_id) rather than guarding
// the whole engine with one lock, so concurrent streams on unrelated
// channels never contend.
package chunkpay

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
	"github.com/tokenmeter/paychand/internal/tlvcodec"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

// ChunkEvent is emitted for every chunk, paid or not, the way
// htlcswitch reports forwarding events — here fed to the event bus
// instead of a circuit-tracking map.
type ChunkEvent struct {
	ChunkID           string
	SessionID         string
	Tokens            int64
	ChannelID         string
	IsPaid            bool
	CumulativePayment int64
	RemainingBalance  int64
	ChannelTotalAmount int64
}

// PaidState is returned by Pay on success.
type PaidState struct {
	ChunkID           string
	CumulativePayment int64
	RemainingBalance  int64
	PaidAt            time.Time
}

// Engine implements the Chunk Payment Engine component.
type Engine struct {
	store channeldb.Store
}

// NewEngine builds an Engine bound to store.
func NewEngine(store channeldb.Store) *Engine {
	return &Engine{store: store}
}

func newChunkID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// CreateChunk inserts an unpaid ChunkPayment against the user's default
// ACTIVE channel, reserving the next cumulative_payment slot. Per
// spec.md §4.3 the reservation must build on the last chunk issued for
// the channel (paid or not) rather than on consumed_tokens alone, so
// two pending chunks never collide on the same cumulative figure — the
// per-channel lock plus LatestReservedChunk together enforce this.
func (e *Engine) CreateChunk(ctx context.Context, userID int64, sessionID string, tokensCount int64) (*ChunkEvent, error) {
	const op = "chunkpay.CreateChunk"

	if tokensCount <= 0 {
		return nil, errs.New(op, errs.InputValidation, fmt.Errorf("tokens_count must be positive"))
	}

	ch, err := e.store.DefaultChannel(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ch.Status != channeldb.StatusActive {
		return nil, errs.New(op, errs.StateConflict, fmt.Errorf("default channel %q is not ACTIVE", ch.ChannelID))
	}

	if err := e.store.EnsureSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	chunkID, err := newChunkID()
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	var event *ChunkEvent
	err = e.store.WithChannelLock(ctx, ch.ChannelID, func(ctx context.Context, tx channeldb.ChannelTx) error {
		c := tx.Channel()

		baselineBase := c.ConsumedTokens * channeldb.BaseUnitsPerToken
		if last, err := tx.LatestReservedChunk(ctx); err == nil {
			baselineBase = last.CumulativePayment
		} else if errs.KindOf(err) != errs.NotFound {
			return err
		}

		newCumulative := baselineBase + tokensCount*channeldb.BaseUnitsPerToken
		if newCumulative > c.Amount {
			return errs.New(op, errs.Insufficient,
				fmt.Errorf("cumulative payment %d would exceed channel amount %d", newCumulative, c.Amount))
		}

		cp := &channeldb.ChunkPayment{
			ChunkID:           chunkID,
			UserID:            userID,
			SessionID:         sessionID,
			ChannelID:         c.ChannelID,
			TokensCount:       tokensCount,
			CumulativePayment: newCumulative,
			RemainingBalance:  c.Amount - newCumulative,
		}
		if err := tx.InsertUnpaidChunk(ctx, cp); err != nil {
			return err
		}

		event = &ChunkEvent{
			ChunkID:            chunkID,
			SessionID:          sessionID,
			Tokens:             tokensCount,
			ChannelID:          c.ChannelID,
			IsPaid:             false,
			CumulativePayment:  newCumulative,
			RemainingBalance:   c.Amount - newCumulative,
			ChannelTotalAmount: c.Amount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("created chunk %s: channel=%s tokens=%d cumulative=%d",
		chunkID, ch.ChannelID, tokensCount, event.CumulativePayment)
	return event, nil
}

// Pay verifies buyerSignature over the chunk's state-update message and
// marks it paid. Verification happens in arrival order; a failed
// signature leaves the chunk unpaid rather than skipping it, per spec.md
// §4.3. The cumulative_payment signed over is the one CreateChunk fixed
// when it reserved the chunk; Pay does not compare it with the
// cumulative_payment of the channel's other paid chunks.
func (e *Engine) Pay(ctx context.Context, chunkID string, buyerSignature [chancrypto.SigSize]byte,
	buyerPubKeyHash chancrypto.PubKeyHash) (*PaidState, error) {

	const op = "chunkpay.Pay"

	cp, err := e.store.ChunkByChunkID(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	if cp.IsPaid {
		// Idempotent retry: same chunk, same signature. A different
		// signature on an already-paid chunk is a conflict, not a
		// successful no-op.
		if subtle.ConstantTimeCompare(buyerSignature[:], cp.BuyerSignature[:]) != 1 {
			return nil, errs.New(op, errs.StateConflict,
				fmt.Errorf("chunk %s already paid with a different signature", chunkID))
		}
		return &PaidState{
			ChunkID:           cp.ChunkID,
			CumulativePayment: cp.CumulativePayment,
			RemainingBalance:  cp.RemainingBalance,
			PaidAt:            *cp.PaidAt,
		}, nil
	}

	ch, err := e.store.ChannelByChannelID(ctx, cp.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.Status != channeldb.StatusActive {
		return nil, errs.New(op, errs.StateConflict, fmt.Errorf("channel %q is not ACTIVE", cp.ChannelID))
	}

	msg := chancrypto.StateUpdateMessage(cp.ChannelID, cp.CumulativePayment, cp.RemainingBalance)
	if err := chancrypto.RecoverAndCheck(buyerSignature, msg, buyerPubKeyHash); err != nil {
		return nil, errs.New(op, errs.SignatureInvalid, fmt.Errorf("chunk %s: %w", chunkID, err))
	}

	su := tlvcodec.StateUpdate{
		ChannelID:         cp.ChannelID,
		ChunkID:           chunkID,
		TokensCount:       uint64(cp.TokensCount),
		CumulativePayment: uint64(cp.CumulativePayment),
		RemainingBalance:  uint64(cp.RemainingBalance),
	}
	txData, err := su.Encode()
	if err != nil {
		return nil, err
	}
	paidAt := time.Now().UTC()

	err = e.store.WithChannelLock(ctx, cp.ChannelID, func(ctx context.Context, tx channeldb.ChannelTx) error {
		cur, err := tx.ChunkByChunkID(ctx, chunkID)
		if err != nil {
			return err
		}
		if cur.IsPaid {
			if subtle.ConstantTimeCompare(buyerSignature[:], cur.BuyerSignature[:]) != 1 {
				return errs.New(op, errs.StateConflict,
					fmt.Errorf("chunk %s already paid with a different signature", chunkID))
			}
			return nil // raced with another Pay call carrying the same signature; idempotent
		}
		return tx.MarkChunkPaid(ctx, chunkID, txData, buyerSignature[:], paidAt)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("chunk %s paid: channel=%s cumulative=%d", chunkID, cp.ChannelID, cp.CumulativePayment)

	return &PaidState{
		ChunkID:           chunkID,
		CumulativePayment: cp.CumulativePayment,
		RemainingBalance:  cp.RemainingBalance,
		PaidAt:            paidAt,
	}, nil
}

// Latest returns the most recent ChunkPayment for channelID, used by
// the UI to present an unpaid chunk before accepting a new turn.
func (e *Engine) Latest(ctx context.Context, channelID string) (*channeldb.ChunkPayment, error) {
	return e.store.LatestChunk(ctx, channelID)
}

// SessionUnpaid aggregates unpaid chunk count/tokens across all of a
// user's sessions.
func (e *Engine) SessionUnpaid(ctx context.Context, userID int64) (channeldb.SessionUnpaidSummary, error) {
	return e.store.SessionUnpaid(ctx, userID)
}
