// Package chancrypto implements the cryptographic primitives the channel
// engine depends on: recoverable secp256k1 signatures, blake2b-256
// hashing, and public-key-hash derivation. It mirrors the signing/witness
// helpers in lnwallet/script_utils.go, adapted from Bitcoin script hashing
// to the blake2b-based hashing the on-chain lock script expects.
package chancrypto

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"

	"github.com/tokenmeter/paychand/internal/errs"
)

// PubKeyHashSize is the width of a derived public-key hash.
const PubKeyHashSize = 20

// SigSize is the width of a recoverable signature: 64 bytes of (r, s)
// plus a one-byte recovery id.
const SigSize = 65

// Hash is a 32-byte digest, used for transaction hashes and message
// hashes alike.
type Hash [32]byte

// PubKeyHash is the first 20 bytes of blake2b-256(pubkey).
type PubKeyHash [PubKeyHashSize]byte

// Blake256 returns the blake2b-256 digest of msg, matching CKB's ckbhash.
func Blake256(msg ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we
		// never pass one.
		panic(err)
	}
	for _, m := range msg {
		h.Write(m)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DerivePubKeyHash returns the first 20 bytes of blake2b-256(pubkey),
// where pubkey is the uncompressed (65-byte) or compressed (33-byte)
// SEC1 encoding.
func DerivePubKeyHash(pubKey []byte) PubKeyHash {
	digest := Blake256(pubKey)
	var out PubKeyHash
	copy(out[:], digest[:PubKeyHashSize])
	return out
}

// EqualPubKeyHash performs a constant-time comparison of two public-key
// hashes, as required when checking witness indices against locked
// buyer/seller hashes.
func EqualPubKeyHash(a, b PubKeyHash) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// SinceFlag is the high byte of the 8-byte little-endian since field
// (relative/absolute time-lock): 0x80 = relative time (seconds),
// 0x40 = absolute block height, 0x00 = absolute timestamp.
type SinceFlag byte

const (
	SinceRelativeSeconds SinceFlag = 0x80
	SinceAbsoluteHeight  SinceFlag = 0x40
	SinceAbsoluteTime    SinceFlag = 0x00
)

// EncodeSince packs a 56-bit value with the given flag into the 8-byte
// little-endian since field used throughout the wire layouts.
func EncodeSince(flag SinceFlag, value uint64) [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	buf[7] = byte(flag)
	return buf
}

// DecodeSince splits a since field back into its flag and value.
func DecodeSince(since [8]byte) (SinceFlag, uint64) {
	flag := SinceFlag(since[7])
	masked := since
	masked[7] = 0
	return flag, binary.LittleEndian.Uint64(masked[:])
}

// MsgHashWithSince returns hash(tx_hash || since_le8), the refund
// signing message. If since is all zeros the caller must sign tx_hash
// directly instead (see RefundSigningMessage) — this asymmetry is part
// of the on-chain script contract and must not be relaxed.
func MsgHashWithSince(txHash Hash, since [8]byte) Hash {
	return Blake256(txHash[:], since[:])
}

// RefundSigningMessage returns the message that must be signed over a
// refund transaction: hash(tx_hash || since_le8) when since is non-zero,
// or tx_hash unmodified when since is the zero value.
func RefundSigningMessage(refundTxHash Hash, since [8]byte) Hash {
	var zero [8]byte
	if since == zero {
		return refundTxHash
	}
	return MsgHashWithSince(refundTxHash, since)
}

// StateUpdateMessage returns blake2b-256(channel_id_utf8 ||
// cumulative_payment_le8 || remaining_balance_le8), the fixed message
// layout both parties sign over for a chunk payment / settlement state
// update.
func StateUpdateMessage(channelID string, cumulativePayment, remainingBalance int64) Hash {
	var cum, rem [8]byte
	binary.LittleEndian.PutUint64(cum[:], uint64(cumulativePayment))
	binary.LittleEndian.PutUint64(rem[:], uint64(remainingBalance))
	return Blake256([]byte(channelID), cum[:], rem[:])
}

// Sign produces a 65-byte recoverable signature over msg32, trying each
// recovery id until one recovers a public key matching priv's, exactly
// as spec.md §4.1 requires. btcec's SignCompact already performs this
// search internally and bakes the recovery id into the first byte; we
// re-lay it out as r || s || recovery_id to match the wire contract.
func Sign(priv *btcec.PrivateKey, msg32 Hash) ([SigSize]byte, error) {
	const op = "chancrypto.Sign"

	compact := ecdsa.SignCompact(priv, msg32[:], false)
	if len(compact) != SigSize {
		return [SigSize]byte{}, errs.New(op, errs.Internal,
			fmt.Errorf("unexpected compact signature length %d", len(compact)))
	}

	// btcec lays a compact signature out as recovery_id || r || s; the
	// wire format here wants r || s || recovery_id.
	var out [SigSize]byte
	copy(out[:64], compact[1:])
	out[64] = compact[0] - 27

	return out, nil
}

// Recover recovers the public key that produced sig65 over msg32. It
// fails if the recovery id byte is out of range or the signature is
// otherwise malformed.
func Recover(sig65 [SigSize]byte, msg32 Hash) (*btcec.PublicKey, error) {
	const op = "chancrypto.Recover"

	recID := sig65[64]
	if recID > 3 {
		return nil, errs.New(op, errs.SignatureInvalid,
			fmt.Errorf("recovery id %d out of range", recID))
	}

	var compact [SigSize]byte
	compact[0] = recID + 27
	copy(compact[1:], sig65[:64])

	pub, _, err := ecdsa.RecoverCompact(compact[:], msg32[:])
	if err != nil {
		return nil, errs.New(op, errs.SignatureInvalid, err)
	}
	return pub, nil
}

// RecoverAndCheck recovers the signer of sig65 over msg32 and checks
// that its public-key hash matches want.
func RecoverAndCheck(sig65 [SigSize]byte, msg32 Hash, want PubKeyHash) error {
	const op = "chancrypto.RecoverAndCheck"

	pub, err := Recover(sig65, msg32)
	if err != nil {
		return err
	}

	got := DerivePubKeyHash(pub.SerializeUncompressed())
	if !EqualPubKeyHash(got, want) {
		return errs.New(op, errs.SignatureInvalid,
			fmt.Errorf("recovered pubkey hash mismatch"))
	}
	return nil
}

// ParsePubKey parses a hex-decoded SEC1 public key, accepting both the
// uncompressed (65-byte) and compressed (33-byte) encodings.
func ParsePubKey(raw []byte) (*btcec.PublicKey, error) {
	const op = "chancrypto.ParsePubKey"

	switch len(raw) {
	case 33, 65:
	default:
		return nil, errs.New(op, errs.InputValidation,
			fmt.Errorf("public key must be 33 or 65 bytes, got %d", len(raw)))
	}

	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, errs.New(op, errs.InputValidation, err)
	}
	return pub, nil
}
