package scheduler

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
	"github.com/tokenmeter/paychand/internal/chunkpay"
	"github.com/tokenmeter/paychand/internal/settlement"
)

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

func openTestStore(t *testing.T) *bolt.DB {
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedActiveChannel(t *testing.T, store channeldb.Store, channelID string, amount, durationSeconds int64, verifiedAt time.Time) {
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID: 1, ChannelID: channelID, Amount: amount, DurationSeconds: durationSeconds,
		Status: channeldb.StatusInactive,
	}))
	require.NoError(t, store.ActivateChannel(ctx, channelID, "fund-tx-"+channelID, verifiedAt))
	require.NoError(t, store.SetDefaultChannel(ctx, 1, channelID))
}

func TestRunAutoSettleSettlesChannelsNearingDeadline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())
	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)

	now := time.Now().UTC()
	// Deadline 10 minutes away: inside SettleWindow (15 minutes).
	seedActiveChannel(t, store, "chan-near", 10_000, int64((10 * time.Minute).Seconds()), now)

	cp := chunkpay.NewEngine(store)
	ev, err := cp.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)
	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)
	_, err = cp.Pay(ctx, ev.ChunkID, sig, buyerHash)
	require.NoError(t, err)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := &autoConfirmClient{MockClient: chainrpc.NewMockClient()}
	builder := settlement.NewBuilder(store, chain, sellerPriv)

	clk := clock.NewTestClock(now)
	sched := New(store, builder, clk)

	sched.runAutoSettle(ctx)

	ch, err := store.ChannelByChannelID(ctx, "chan-near")
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSettled, ch.Status)
}

func TestRunAutoSettleSkipsChannelsFarFromDeadline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	now := time.Now().UTC()
	// Deadline 1 hour away: outside SettleWindow (15 minutes).
	seedActiveChannel(t, store, "chan-far", 10_000, int64(time.Hour.Seconds()), now)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := &autoConfirmClient{MockClient: chainrpc.NewMockClient()}
	builder := settlement.NewBuilder(store, chain, sellerPriv)

	clk := clock.NewTestClock(now)
	sched := New(store, builder, clk)

	sched.runAutoSettle(ctx)

	ch, err := store.ChannelByChannelID(ctx, "chan-far")
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusActive, ch.Status)
}

func TestRunCheckExpiredMarksPastDeadlineChannelsExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-2 * time.Hour)
	seedActiveChannel(t, store, "chan-expired", 10_000, int64(time.Hour.Seconds()), past)

	sellerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	chain := &autoConfirmClient{MockClient: chainrpc.NewMockClient()}
	builder := settlement.NewBuilder(store, chain, sellerPriv)

	clk := clock.NewTestClock(time.Now().UTC())
	sched := New(store, builder, clk)

	sched.runCheckExpired(ctx)

	ch, err := store.ChannelByChannelID(ctx, "chan-expired")
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusExpired, ch.Status)
}
