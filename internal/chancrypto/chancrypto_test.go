package chancrypto

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func randKey(t *testing.T) *btcec.PrivateKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestSignRecoverRoundTrip(t *testing.T) {
	priv := randKey(t)
	msg := Blake256([]byte("chunk-payment-state-update"))

	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	pub, err := Recover(sig, msg)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))

	want := DerivePubKeyHash(priv.PubKey().SerializeUncompressed())
	require.NoError(t, RecoverAndCheck(sig, msg, want))
}

func TestRecoverAndCheckRejectsWrongSigner(t *testing.T) {
	priv := randKey(t)
	other := randKey(t)
	msg := Blake256([]byte("state"))

	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	wrongHash := DerivePubKeyHash(other.PubKey().SerializeUncompressed())
	require.Error(t, RecoverAndCheck(sig, msg, wrongHash))
}

func TestRecoverAndCheckRejectsTamperedMessage(t *testing.T) {
	priv := randKey(t)
	msg := Blake256([]byte("original"))
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	tampered := Blake256([]byte("tampered"))
	want := DerivePubKeyHash(priv.PubKey().SerializeUncompressed())
	require.Error(t, RecoverAndCheck(sig, tampered, want))
}

func TestEncodeDecodeSinceRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		flag := rapid.SampledFrom([]SinceFlag{
			SinceRelativeSeconds, SinceAbsoluteHeight, SinceAbsoluteTime,
		}).Draw(rt, "flag")
		value := rapid.Uint64Range(0, 1<<56-1).Draw(rt, "value")

		enc := EncodeSince(flag, value)
		gotFlag, gotValue := DecodeSince(enc)

		if gotFlag != flag {
			rt.Fatalf("flag round-trip mismatch: got %v want %v", gotFlag, flag)
		}
		if gotValue != value {
			rt.Fatalf("value round-trip mismatch: got %d want %d", gotValue, value)
		}
	})
}

func TestRefundSigningMessageZeroSinceIsTxHash(t *testing.T) {
	var txHash Hash
	_, err := rand.Read(txHash[:])
	require.NoError(t, err)

	var zero [8]byte
	require.Equal(t, txHash, RefundSigningMessage(txHash, zero))

	nonZero := EncodeSince(SinceRelativeSeconds, 3600)
	require.NotEqual(t, txHash, RefundSigningMessage(txHash, nonZero))
}

func TestStateUpdateMessageDependsOnEveryField(t *testing.T) {
	base := StateUpdateMessage("chan-1", 100, 900)
	require.NotEqual(t, base, StateUpdateMessage("chan-2", 100, 900))
	require.NotEqual(t, base, StateUpdateMessage("chan-1", 200, 800))
	require.NotEqual(t, base, StateUpdateMessage("chan-1", 100, 800))
}
