// Package settlement is the Settlement Builder: it constructs the
// on-chain transaction that closes a 2-of-2 funded channel output,
// paying the seller their earned cumulative_payment and the buyer the
// remainder. Structured after breacharbiter.go's retribution flow —
// gather the relevant channel state, build the spending transaction,
// sign it, hand it to the broadcaster, persist the result — but closing
// cooperatively on an unexpired deadline rather than punishing a
// breach.
package settlement

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
	"github.com/tokenmeter/paychand/internal/tlvcodec"
	"github.com/tokenmeter/paychand/internal/witness"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

// FeeBaseUnits is the flat fee subtracted from the buyer's remainder
// output. A fixed fee keeps the settlement transaction's byte layout
// deterministic; a fee-estimation RPC is future work this simple
// deployment does not need.
const FeeBaseUnits = 1000

// Result describes a completed settlement.
type Result struct {
	ChannelID  string
	SettleHash string
	SellerPaid int64
	BuyerPaid  int64
}

// Builder implements the Settlement Builder component.
type Builder struct {
	store     channeldb.Store
	chain     chainrpc.Client
	sellerKey *btcec.PrivateKey
}

// NewBuilder binds a Builder to store, chain and the seller's signing
// key, which is loaded once at startup and never logged, per spec.md §5.
func NewBuilder(store channeldb.Store, chain chainrpc.Client, sellerKey *btcec.PrivateKey) *Builder {
	return &Builder{store: store, chain: chain, sellerKey: sellerKey}
}

// BuildAndBroadcast closes channelID: seller gets the latest paid
// chunk's cumulative_payment, buyer gets the remainder minus the flat
// fee. If the channel has no paid chunks, it returns a StateConflict
// error and changes nothing; the channel stays ACTIVE until the
// scheduler's check-expired-channels task moves it to EXPIRED after its
// deadline.
func (b *Builder) BuildAndBroadcast(ctx context.Context, channelID string) (*Result, error) {
	const op = "settlement.BuildAndBroadcast"

	ch, err := b.store.ChannelByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Status != channeldb.StatusActive {
		return nil, errs.New(op, errs.StateConflict, fmt.Errorf("channel %q is not ACTIVE", channelID))
	}

	paid, err := b.store.PaidChunksOrdered(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var cumulative int64
	var buyerSig [chancrypto.SigSize]byte
	if len(paid) > 0 {
		latest := paid[len(paid)-1]
		cumulative = latest.CumulativePayment
		buyerSig = latest.BuyerSignature
	} else {
		log.Infof("channel %s has no paid chunks; settlement skipped", channelID)
		return nil, errs.New(op, errs.StateConflict, fmt.Errorf("channel %q has no paid chunks", channelID))
	}

	sellerAmount := cumulative
	buyerAmount := ch.Amount - cumulative - FeeBaseUnits
	if buyerAmount < 0 {
		buyerAmount = 0
	}

	msg := chancrypto.StateUpdateMessage(channelID, cumulative, ch.Amount-cumulative)
	sellerSig, err := chancrypto.Sign(b.sellerKey, msg)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	w := witness.Witness{
		SigBuyer:  buyerSig,
		SigSeller: sellerSig,
		IdxBuyer:  0,
		IdxSeller: 1,
	}

	su := tlvcodec.StateUpdate{
		ChannelID:         channelID,
		CumulativePayment: uint64(cumulative),
		RemainingBalance:  uint64(ch.Amount - cumulative),
	}
	encodedState, err := su.Encode()
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	txData := append(append([]byte{}, encodedState...), w.Encode()...)

	txHash, err := b.chain.SubmitTransaction(ctx, txData)
	if err != nil {
		return nil, errs.New(op, errs.BlockchainRejected, err)
	}

	if _, err := b.chain.WaitConfirmed(ctx, txHash); err != nil {
		return nil, errs.New(op, errs.BlockchainPending, err)
	}

	if err := b.store.SettleChannel(ctx, channelID, txHash); err != nil {
		return nil, err
	}

	log.Infof("channel %s settled: seller=%d buyer=%d tx=%s", channelID, sellerAmount, buyerAmount, txHash)

	return &Result{
		ChannelID:  channelID,
		SettleHash: txHash,
		SellerPaid: sellerAmount,
		BuyerPaid:  buyerAmount,
	}, nil
}
