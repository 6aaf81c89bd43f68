package engine

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/channeldb/bolt"
	"github.com/tokenmeter/paychand/internal/scheduler"
)

// autoConfirmClient confirms every submitted transaction immediately, so
// Settle's WaitConfirmed call never blocks in tests.
type autoConfirmClient struct {
	*chainrpc.MockClient
}

func (c *autoConfirmClient) SubmitTransaction(ctx context.Context, txData []byte) (string, error) {
	txHash, err := c.MockClient.SubmitTransaction(ctx, txData)
	if err != nil {
		return "", err
	}
	c.Confirm(txHash, 1, time.Now())
	return txHash, nil
}

func newTestEngine(t *testing.T) (*Engine, channeldb.Store, *btcec.PrivateKey) {
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chain := &autoConfirmClient{MockClient: chainrpc.NewMockClient()}
	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sched := scheduler.New(store, nil, clock.NewDefaultClock())
	eng := New(Config{Store: store, Chain: chain, Scheduler: sched, SellerKey: sellerPriv})
	return eng, store, sellerPriv
}

func TestLoginCreatesUserOnFirstSight(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	pub := []byte{0x02, 0x01, 0x02, 0x03}
	u1, err := eng.Login(ctx, pub, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", u1.Username)

	// Second login with the same public key returns the existing user,
	// not a duplicate.
	u2, err := eng.Login(ctx, pub, "alice-again")
	require.NoError(t, err)
	require.Equal(t, u1.ID, u2.ID)
}

func TestStreamAndPayChunkEndToEnd(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	u, err := eng.Login(ctx, buyerPriv.PubKey().SerializeUncompressed(), "buyer")
	require.NoError(t, err)

	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID: u.ID, ChannelID: "chan-1", Amount: 10_000, Status: channeldb.StatusInactive,
	}))
	require.NoError(t, store.ActivateChannel(ctx, "chan-1", "fund-tx", time.Now().UTC()))
	require.NoError(t, store.SetDefaultChannel(ctx, u.ID, "chan-1"))

	ev, err := eng.StreamChunk(ctx, u.ID, "session-1", 10)
	require.NoError(t, err)
	require.False(t, ev.IsPaid)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)

	paid, err := eng.PayChunk(ctx, "session-1", ev.ChunkID, sig, buyerHash)
	require.NoError(t, err)
	require.Equal(t, ev.CumulativePayment, paid.CumulativePayment)
}

func TestSettleBuildsSettlementAndClosesChannel(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	u, err := eng.Login(ctx, buyerPriv.PubKey().SerializeUncompressed(), "buyer")
	require.NoError(t, err)

	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID: u.ID, ChannelID: "chan-1", Amount: 10_000, Status: channeldb.StatusInactive,
	}))
	require.NoError(t, store.ActivateChannel(ctx, "chan-1", "fund-tx", time.Now().UTC()))
	require.NoError(t, store.SetDefaultChannel(ctx, u.ID, "chan-1"))

	ev, err := eng.StreamChunk(ctx, u.ID, "session-1", 10)
	require.NoError(t, err)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)
	_, err = eng.PayChunk(ctx, "session-1", ev.ChunkID, sig, buyerHash)
	require.NoError(t, err)

	res, err := eng.Settle(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), res.SellerPaid)

	ch, err := store.ChannelByChannelID(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSettled, ch.Status)
}
