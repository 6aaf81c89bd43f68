package chunkpay

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

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

func seedActiveChannel(t *testing.T, store channeldb.Store, userID int64, amount int64) string {
	ctx := context.Background()
	channelID := "chan-1"
	err := store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID:    userID,
		ChannelID: channelID,
		Amount:    amount,
		Status:    channeldb.StatusInactive,
	})
	require.NoError(t, err)

	require.NoError(t, store.ActivateChannel(ctx, channelID, "fund-tx", time.Now().UTC()))
	require.NoError(t, store.SetDefaultChannel(ctx, userID, channelID))
	return channelID
}

func TestCreateChunkReservesMonotonicCumulative(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)
	channelID := seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)

	ev1, err := eng.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)
	require.Equal(t, int64(1000), ev1.CumulativePayment)
	require.Equal(t, int64(9000), ev1.RemainingBalance)

	// A second chunk reserved before the first is paid must build on the
	// first's cumulative figure, not on ConsumedTokens (still zero).
	ev2, err := eng.CreateChunk(ctx, 1, "session-1", 5)
	require.NoError(t, err)
	require.Equal(t, int64(1500), ev2.CumulativePayment)
	require.Equal(t, int64(8500), ev2.RemainingBalance)

	require.NotEqual(t, ev1.ChunkID, ev2.ChunkID)
	_ = channelID
}

func TestCreateChunkRejectsOverdraw(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)
	seedActiveChannel(t, store, 1, 100)

	eng := NewEngine(store)
	_, err = eng.CreateChunk(ctx, 1, "session-1", 2)
	require.Error(t, err)
	require.Equal(t, errs.Insufficient, errs.KindOf(err))
}

func TestCreateChunkRejectsNonPositiveTokens(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)
	seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)
	_, err = eng.CreateChunk(ctx, 1, "session-1", 0)
	require.Error(t, err)
	require.Equal(t, errs.InputValidation, errs.KindOf(err))
}

func TestCreateChunkRejectsInactiveChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateUser(ctx, "buyer", []byte{0x02})
	require.NoError(t, err)

	// Only an ACTIVE channel may be made default, so activate it, make it
	// default, then expire it: it stays the default but is no longer ACTIVE.
	require.NoError(t, store.CreateChannel(ctx, &channeldb.PaymentChannel{
		UserID: 1, ChannelID: "chan-2", Amount: 10_000, Status: channeldb.StatusInactive,
	}))
	require.NoError(t, store.ActivateChannel(ctx, "chan-2", "fund-tx", time.Now().UTC()))
	require.NoError(t, store.SetDefaultChannel(ctx, 1, "chan-2"))
	expired, err := store.ExpireChannels(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Contains(t, expired, "chan-2")

	eng := NewEngine(store)
	_, err = eng.CreateChunk(ctx, 1, "session-1", 1)
	require.Error(t, err)
	require.Equal(t, errs.StateConflict, errs.KindOf(err))
}

func TestPayVerifiesSignatureAndMarksPaid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerPubKeyHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)
	ev, err := eng.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)

	paid, err := eng.Pay(ctx, ev.ChunkID, sig, buyerPubKeyHash)
	require.NoError(t, err)
	require.Equal(t, ev.CumulativePayment, paid.CumulativePayment)
	require.Equal(t, ev.RemainingBalance, paid.RemainingBalance)
	require.False(t, paid.PaidAt.IsZero())

	// Idempotent re-pay: same chunk, same signature, no error.
	paid2, err := eng.Pay(ctx, ev.ChunkID, sig, buyerPubKeyHash)
	require.NoError(t, err)
	require.Equal(t, paid.PaidAt, paid2.PaidAt)
}

func TestPayRejectsDifferentSignatureOnAlreadyPaidChunk(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerPubKeyHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)
	ev, err := eng.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)

	_, err = eng.Pay(ctx, ev.ChunkID, sig, buyerPubKeyHash)
	require.NoError(t, err)

	// A different (still otherwise well-formed) signature on the same,
	// already-paid chunk must be rejected, not silently accepted.
	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherSig, err := chancrypto.Sign(otherPriv, msg)
	require.NoError(t, err)
	require.NotEqual(t, sig, otherSig)

	_, err = eng.Pay(ctx, ev.ChunkID, otherSig, buyerPubKeyHash)
	require.Error(t, err)
	require.Equal(t, errs.StateConflict, errs.KindOf(err))
}

func TestPayRejectsWrongSigner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerPubKeyHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)
	ev, err := eng.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(otherPriv, msg)
	require.NoError(t, err)

	_, err = eng.Pay(ctx, ev.ChunkID, sig, buyerPubKeyHash)
	require.Error(t, err)
	require.Equal(t, errs.SignatureInvalid, errs.KindOf(err))

	cp, getErr := store.ChunkByChunkID(ctx, ev.ChunkID)
	require.NoError(t, getErr)
	require.False(t, cp.IsPaid)
}

func TestPayRejectsInactiveChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	buyerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerPubKeyHash := chancrypto.DerivePubKeyHash(buyerPriv.PubKey().SerializeUncompressed())

	_, err = store.CreateUser(ctx, "buyer", buyerPriv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	channelID := seedActiveChannel(t, store, 1, 10_000)

	eng := NewEngine(store)
	ev, err := eng.CreateChunk(ctx, 1, "session-1", 10)
	require.NoError(t, err)

	expired, err := store.ExpireChannels(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Contains(t, expired, channelID)

	msg := chancrypto.StateUpdateMessage(ev.ChannelID, ev.CumulativePayment, ev.RemainingBalance)
	sig, err := chancrypto.Sign(buyerPriv, msg)
	require.NoError(t, err)

	_, err = eng.Pay(ctx, ev.ChunkID, sig, buyerPubKeyHash)
	require.Error(t, err)
	require.Equal(t, errs.StateConflict, errs.KindOf(err))
}
