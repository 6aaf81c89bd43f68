package lifecycle

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/channeldb/bolt"
	"github.com/tokenmeter/paychand/internal/errs"
)

func openTestStore(t *testing.T) *bolt.DB {
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func randPubKeyHash(t *testing.T) chancrypto.PubKeyHash {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return chancrypto.DerivePubKeyHash(priv.PubKey().SerializeUncompressed())
}

func TestOpenProducesVerifiableRefundSignature(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chain := chainrpc.NewMockClient()
	mgr := NewManager(store, chain)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sellerHash := chancrypto.DerivePubKeyHash(sellerPriv.PubKey().SerializeUncompressed())
	buyerHash := randPubKeyHash(t)

	_, err = store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	var refundTxHash chancrypto.Hash
	_, err = rand.Read(refundTxHash[:])
	require.NoError(t, err)
	refundSince := chancrypto.EncodeSince(chancrypto.SinceRelativeSeconds, 86400)

	var codeHash [32]byte
	offer, err := mgr.Open(ctx, 1, 10_000, 3600, codeHash, 0, buyerHash, sellerHash, sellerPriv, refundTxHash, refundSince)
	require.NoError(t, err)
	require.NotEmpty(t, offer.ChannelID)

	refundMsg := chancrypto.RefundSigningMessage(refundTxHash, refundSince)
	require.NoError(t, chancrypto.RecoverAndCheck(offer.SellerSignature, refundMsg, sellerHash))

	ch, err := mgr.Channel(ctx, offer.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusInactive, ch.Status)
}

func TestOpenRejectsNonPositiveAmount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chain := chainrpc.NewMockClient()
	mgr := NewManager(store, chain)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var codeHash [32]byte
	var refundTxHash chancrypto.Hash
	refundSince := chancrypto.EncodeSince(chancrypto.SinceRelativeSeconds, 3600)

	_, err = mgr.Open(ctx, 1, 0, 3600, codeHash, 0, randPubKeyHash(t), randPubKeyHash(t), sellerPriv, refundTxHash, refundSince)
	require.Error(t, err)
	require.Equal(t, errs.InputValidation, errs.KindOf(err))
}

func TestConfirmFundingRequiresOnChainConfirmation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chain := chainrpc.NewMockClient()
	mgr := NewManager(store, chain)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var codeHash [32]byte
	var refundTxHash chancrypto.Hash
	refundSince := chancrypto.EncodeSince(chancrypto.SinceRelativeSeconds, 3600)

	_, err = store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	offer, err := mgr.Open(ctx, 1, 10_000, 3600, codeHash, 0, randPubKeyHash(t), randPubKeyHash(t), sellerPriv, refundTxHash, refundSince)
	require.NoError(t, err)

	// Not yet confirmed on-chain: ConfirmFunding must refuse to activate.
	err = mgr.ConfirmFunding(ctx, offer.ChannelID, "fund-tx-1")
	require.Error(t, err)
	require.Equal(t, errs.BlockchainPending, errs.KindOf(err))

	ch, err := mgr.Channel(ctx, offer.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusInactive, ch.Status)

	chain.Confirm("fund-tx-1", 100, time.Now())
	require.NoError(t, mgr.ConfirmFunding(ctx, offer.ChannelID, "fund-tx-1"))

	ch, err = mgr.Channel(ctx, offer.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusActive, ch.Status)
}

func TestInvalidateMarksChannelInvalid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chain := chainrpc.NewMockClient()
	mgr := NewManager(store, chain)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var codeHash [32]byte
	var refundTxHash chancrypto.Hash
	refundSince := chancrypto.EncodeSince(chancrypto.SinceRelativeSeconds, 3600)

	_, err = store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	offer, err := mgr.Open(ctx, 1, 10_000, 3600, codeHash, 0, randPubKeyHash(t), randPubKeyHash(t), sellerPriv, refundTxHash, refundSince)
	require.NoError(t, err)

	require.NoError(t, mgr.Invalidate(ctx, offer.ChannelID))

	ch, err := mgr.Channel(ctx, offer.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusInvalid, ch.Status)
}

func TestSetDefaultAndDefaultChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chain := chainrpc.NewMockClient()
	mgr := NewManager(store, chain)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var codeHash [32]byte
	var refundTxHash chancrypto.Hash
	refundSince := chancrypto.EncodeSince(chancrypto.SinceRelativeSeconds, 3600)

	_, err = store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	offer, err := mgr.Open(ctx, 1, 10_000, 3600, codeHash, 0, randPubKeyHash(t), randPubKeyHash(t), sellerPriv, refundTxHash, refundSince)
	require.NoError(t, err)

	// Only an ACTIVE channel may be default, so fund it first.
	chain.Confirm("fund-tx-1", 100, time.Now())
	require.NoError(t, mgr.ConfirmFunding(ctx, offer.ChannelID, "fund-tx-1"))

	require.NoError(t, mgr.SetDefault(ctx, 1, offer.ChannelID))

	ch, err := mgr.DefaultChannel(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, offer.ChannelID, ch.ChannelID)
}
