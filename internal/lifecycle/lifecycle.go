// Package lifecycle is the Channel Lifecycle Manager: it drives a
// PaymentChannel through INACTIVE -> ACTIVE -> {SETTLED, EXPIRED} (or
// INACTIVE -> INVALID), the way lnwallet.ChannelReservation walks a
// channel from intent through signed contributions to a broadcast
// funding transaction. Where the reservation workflow locks wallet
// inputs for the reservation's lifetime, Manager instead holds the
// seller's refund signature in the store from the moment the offer is
// made, so a buyer can always recover funds even if the seller
// disappears before broadcasting.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
	"github.com/tokenmeter/paychand/internal/witness"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger, in the teacher's
// per-package logger idiom (log.go calls UseLogger for every subsystem
// at startup).
func UseLogger(l btclog.Logger) { log = l }

// ChannelOffer is returned from Open: the seller's half of the 2-of-2
// multisig setup, including the pre-signed refund the buyer needs
// before they will broadcast funding. spec.md §4.2 requires the seller
// sign the refund before the buyer funds the channel, never after.
type ChannelOffer struct {
	ChannelID       string
	ScriptArgs      witness.ScriptArgs
	RefundSince     [8]byte
	SellerSignature [chancrypto.SigSize]byte
	RefundTxHash    chancrypto.Hash
}

// Manager implements the Channel Lifecycle Manager component.
type Manager struct {
	store channeldb.Store
	chain chainrpc.Client
}

// NewManager builds a Manager bound to store and chain.
func NewManager(store channeldb.Store, chain chainrpc.Client) *Manager {
	return &Manager{store: store, chain: chain}
}

func newChannelID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Open creates an INACTIVE channel row and returns the seller's signed
// refund, grounded on ChannelReservation's "lock resources, then sign"
// ordering: the refund signature (and the row it is stored under) is
// durable before the offer is handed to the buyer, so a seller crash
// after this call can never strand the buyer without a refund path.
//
// refundTxHash is the hash of the (already constructed, off-chain)
// refund transaction paying the full amount back to the buyer after
// refundSince elapses; codeHash/hashType identify the on-chain lock
// script version.
func (m *Manager) Open(ctx context.Context, userID int64, amountBaseUnits, durationSeconds int64,
	codeHash [32]byte, hashType byte, buyerPubKeyHash, sellerPubKeyHash chancrypto.PubKeyHash,
	sellerPriv *btcec.PrivateKey, refundTxHash chancrypto.Hash, refundSince [8]byte) (*ChannelOffer, error) {

	const op = "lifecycle.Open"

	if amountBaseUnits <= 0 {
		return nil, errs.New(op, errs.InputValidation, fmt.Errorf("amount must be positive"))
	}
	if durationSeconds <= 0 {
		return nil, errs.New(op, errs.InputValidation, fmt.Errorf("duration must be positive"))
	}

	channelID, err := newChannelID()
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	args := witness.ScriptArgs{
		CodeHash:         codeHash,
		HashType:         hashType,
		PubKeyHashBuyer:  buyerPubKeyHash,
		PubKeyHashSeller: sellerPubKeyHash,
	}

	refundMsg := chancrypto.RefundSigningMessage(refundTxHash, refundSince)
	sig, err := chancrypto.Sign(sellerPriv, refundMsg)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	ch := &channeldb.PaymentChannel{
		UserID:          userID,
		ChannelID:       channelID,
		Amount:          amountBaseUnits,
		DurationSeconds: durationSeconds,
		Status:          channeldb.StatusInactive,
		SellerSignature: sig,
		RefundTxData:    append(append([]byte{}, refundTxHash[:]...), refundSince[:]...),
		FundingTxData:   args.Encode(),
	}
	if err := m.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}

	log.Infof("opened channel %s for user %d, amount=%d duration=%ds",
		channelID, userID, amountBaseUnits, durationSeconds)

	return &ChannelOffer{
		ChannelID:       channelID,
		ScriptArgs:      args,
		RefundSince:     refundSince,
		SellerSignature: sig,
		RefundTxHash:    refundTxHash,
	}, nil
}

// ConfirmFunding verifies the funding transaction is confirmed on-chain
// before flipping the channel ACTIVE; the transaction's outputs are not
// inspected.
// Mirrors ChannelReservation's CompleteReservation step, but against a
// chain client poll instead of a P2P funding-locked exchange.
func (m *Manager) ConfirmFunding(ctx context.Context, channelID string, fundingTxHash string) error {
	const op = "lifecycle.ConfirmFunding"

	conf, err := m.chain.TransactionStatus(ctx, fundingTxHash)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if !conf.Confirmed {
		return errs.New(op, errs.BlockchainPending, fmt.Errorf("funding tx %s not yet confirmed", fundingTxHash))
	}

	if err := m.store.ActivateChannel(ctx, channelID, fundingTxHash, time.Now().UTC()); err != nil {
		return err
	}
	log.Infof("channel %s activated by funding tx %s", channelID, fundingTxHash)
	return nil
}

// Invalidate marks an INACTIVE channel INVALID — the buyer declined to
// fund it, or the offer timed out before funding.
func (m *Manager) Invalidate(ctx context.Context, channelID string) error {
	const op = "lifecycle.Invalidate"
	if err := m.store.InvalidateChannel(ctx, channelID); err != nil {
		return err
	}
	log.Infof("%s: channel %s invalidated", op, channelID)
	return nil
}

// SetDefault marks channelID the user's default channel for new chunk
// payments.
func (m *Manager) SetDefault(ctx context.Context, userID int64, channelID string) error {
	return m.store.SetDefaultChannel(ctx, userID, channelID)
}

// Channel returns the current row for channelID.
func (m *Manager) Channel(ctx context.Context, channelID string) (*channeldb.PaymentChannel, error) {
	return m.store.ChannelByChannelID(ctx, channelID)
}

// DefaultChannel returns userID's current default channel.
func (m *Manager) DefaultChannel(ctx context.Context, userID int64) (*channeldb.PaymentChannel, error) {
	return m.store.DefaultChannel(ctx, userID)
}
