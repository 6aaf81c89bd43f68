// Package witness encodes and decodes the fixed-layout 2-of-2 multisig
// witness and script args used to lock and unlock a channel's funding
// output. It plays the role lnwallet/script_utils.go's genMultiSigScript
// and spendMultiSig play for lnd's p2wsh commitment outputs, adapted
// from Bitcoin Script opcodes to the fixed-width byte layout spec.md §6
// fixes for the on-chain lock script.
package witness

import (
	"fmt"

	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/errs"
)

const (
	// ScriptArgsPrefixLen is the two reserved leading bytes of the
	// script args (always zero in this version of the lock script).
	ScriptArgsPrefixLen = 2

	// ScriptArgsBodyLen is code_hash[32] || hash_type[1] ||
	// threshold[1] || pubkey_count[1] || pubkey_hash_buyer[20] ||
	// pubkey_hash_seller[20].
	ScriptArgsBodyLen = 32 + 1 + 1 + 1 + chancrypto.PubKeyHashSize*2

	// ScriptArgsLen is the full script args length, prefix included.
	ScriptArgsLen = ScriptArgsPrefixLen + ScriptArgsBodyLen

	// Threshold and PubKeyCount are fixed at 2-of-2.
	Threshold   = 2
	PubKeyCount = 2

	// WitnessLen is sig_buyer[65] || sig_seller[65] || idx_buyer[1] ||
	// idx_seller[1].
	WitnessLen = chancrypto.SigSize*2 + 2
)

// ScriptArgs is the decoded form of the 2-of-2 lock script's args.
type ScriptArgs struct {
	CodeHash        [32]byte
	HashType        byte
	PubKeyHashBuyer  chancrypto.PubKeyHash
	PubKeyHashSeller chancrypto.PubKeyHash
}

// Encode serialises a into the bit-exact 77-byte layout (2-byte reserved
// prefix plus 75-byte body) spec.md §6 fixes.
func (a ScriptArgs) Encode() []byte {
	buf := make([]byte, ScriptArgsLen)
	// 2-byte reserved prefix stays zero.
	off := ScriptArgsPrefixLen
	copy(buf[off:], a.CodeHash[:])
	off += 32
	buf[off] = a.HashType
	off++
	buf[off] = Threshold
	off++
	buf[off] = PubKeyCount
	off++
	copy(buf[off:], a.PubKeyHashBuyer[:])
	off += chancrypto.PubKeyHashSize
	copy(buf[off:], a.PubKeyHashSeller[:])

	return buf
}

// DecodeScriptArgs parses a serialised script args blob, validating its
// length and the fixed threshold/pubkey-count fields.
func DecodeScriptArgs(raw []byte) (ScriptArgs, error) {
	const op = "witness.DecodeScriptArgs"

	if len(raw) != ScriptArgsLen {
		return ScriptArgs{}, errs.New(op, errs.InputValidation,
			fmt.Errorf("script args must be %d bytes, got %d", ScriptArgsLen, len(raw)))
	}
	if raw[0] != 0 || raw[1] != 0 {
		return ScriptArgs{}, errs.New(op, errs.InputValidation,
			fmt.Errorf("reserved prefix must be zero"))
	}

	var a ScriptArgs
	off := ScriptArgsPrefixLen
	copy(a.CodeHash[:], raw[off:off+32])
	off += 32
	a.HashType = raw[off]
	off++

	threshold := raw[off]
	off++
	count := raw[off]
	off++
	if threshold != Threshold || count != PubKeyCount {
		return ScriptArgs{}, errs.New(op, errs.InputValidation,
			fmt.Errorf("expected %d-of-%d, got %d-of-%d", Threshold, PubKeyCount, threshold, count))
	}

	copy(a.PubKeyHashBuyer[:], raw[off:off+chancrypto.PubKeyHashSize])
	off += chancrypto.PubKeyHashSize
	copy(a.PubKeyHashSeller[:], raw[off:off+chancrypto.PubKeyHashSize])

	return a, nil
}

// Witness is the decoded authenticating data attached to the spending
// input: two recoverable signatures and the two pubkey-slot indices they
// correspond to.
type Witness struct {
	SigBuyer  [chancrypto.SigSize]byte
	SigSeller [chancrypto.SigSize]byte
	IdxBuyer  byte
	IdxSeller byte
}

// Encode serialises w into the bit-exact 132-byte witness layout.
func (w Witness) Encode() []byte {
	buf := make([]byte, WitnessLen)
	off := 0
	copy(buf[off:], w.SigBuyer[:])
	off += chancrypto.SigSize
	copy(buf[off:], w.SigSeller[:])
	off += chancrypto.SigSize
	buf[off] = w.IdxBuyer
	off++
	buf[off] = w.IdxSeller

	return buf
}

// DecodeWitness parses a serialised witness blob, rejecting malformed
// lengths and index constraint violations (idx in {0,1}, distinct).
func DecodeWitness(raw []byte) (Witness, error) {
	const op = "witness.DecodeWitness"

	if len(raw) != WitnessLen {
		return Witness{}, errs.New(op, errs.InputValidation,
			fmt.Errorf("witness must be %d bytes, got %d", WitnessLen, len(raw)))
	}

	var w Witness
	off := 0
	copy(w.SigBuyer[:], raw[off:off+chancrypto.SigSize])
	off += chancrypto.SigSize
	copy(w.SigSeller[:], raw[off:off+chancrypto.SigSize])
	off += chancrypto.SigSize
	w.IdxBuyer = raw[off]
	off++
	w.IdxSeller = raw[off]

	if err := validateIndices(w.IdxBuyer, w.IdxSeller); err != nil {
		return Witness{}, errs.New(op, errs.InputValidation, err)
	}

	return w, nil
}

func validateIndices(buyer, seller byte) error {
	if buyer > 1 || seller > 1 {
		return fmt.Errorf("pubkey indices must be 0 or 1, got buyer=%d seller=%d", buyer, seller)
	}
	if buyer == seller {
		return fmt.Errorf("pubkey indices must be distinct, both were %d", buyer)
	}
	return nil
}
