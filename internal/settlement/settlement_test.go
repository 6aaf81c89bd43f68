package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/channeldb/bolt"
	"github.com/tokenmeter/paychand/internal/chunkpay"
	"github.com/tokenmeter/paychand/internal/errs"
)

// autoConfirmClient confirms every submitted transaction immediately, so
// BuildAndBroadcast's WaitConfirmed call never blocks in tests.
type autoConfirmClient struct {
	*chainrpc.MockClient
}

func newAutoConfirmClient() *autoConfirmClient {
	return &autoConfirmClient{MockClient: chainrpc.NewMockClient()}
}

func (c *autoConfirmClient) SubmitTransaction(ctx context.Context, txData []byte) (string, error) {
	txHash, err := c.MockClient.SubmitTransaction(ctx, txData)
	if err != nil {
		return "", err
	}
	c.Confirm(txHash, 1, time.Now())
	return txHash, nil
}

func openTestStore(t *testing.T) *bolt.DB {
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedActiveChannel(t *testing.T, store channeldb.Store, channelID string, amount int64) {
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID:    1,
		ChannelID: channelID,
		Amount:    amount,
		Status:    channeldb.StatusInactive,
	}))
	require.NoError(t, store.ActivateChannel(ctx, channelID, "fund-tx", time.Now().UTC()))
	require.NoError(t, store.SetDefaultChannel(ctx, 1, channelID))
}

func TestBuildAndBroadcastPaysSellerAndBuyer(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)

	seedActiveChannel(t, store, "chan-1", 10_000)

	cp := chunkpay.NewEngine(store)
	ev, err := cp.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)
	buyerHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())
	_, err = cp.Pay(ctx, ev.ChunkID, sig, buyerHash)
	require.NoError(t, err)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := newAutoConfirmClient()
	builder := NewBuilder(store, chain, sellerPriv)

	res, err := builder.BuildAndBroadcast(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), res.SellerPaid)
	require.Equal(t, int64(10_000-1000-FeeBaseUnits), res.BuyerPaid)
	require.NotEmpty(t, res.SettleHash)

	ch, err := store.ChannelByChannelID(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSettled, ch.Status)
}

func TestBuildAndBroadcastRejectsChannelWithNoPaidChunks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)
	seedActiveChannel(t, store, "chan-2", 10_000)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := newAutoConfirmClient()
	builder := NewBuilder(store, chain, sellerPriv)

	_, err = builder.BuildAndBroadcast(ctx, "chan-2")
	require.Error(t, err)
	require.Equal(t, errs.StateConflict, errs.KindOf(err))
}

func TestBuildAndBroadcastRejectsInactiveChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID: 1, ChannelID: "chan-3", Amount: 10_000, Status: channeldb.StatusInactive,
	}))

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := newAutoConfirmClient()
	builder := NewBuilder(store, chain, sellerPriv)

	_, err = builder.BuildAndBroadcast(ctx, "chan-3")
	require.Error(t, err)
	require.Equal(t, errs.StateConflict, errs.KindOf(err))
}
