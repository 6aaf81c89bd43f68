package witness

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/errs"
)

func drawPubKeyHash(t *rapid.T, label string) chancrypto.PubKeyHash {
	var h chancrypto.PubKeyHash
	bs := rapid.SliceOfN(rapid.Byte(), chancrypto.PubKeyHashSize, chancrypto.PubKeyHashSize).Draw(t, label)
	copy(h[:], bs)
	return h
}

func TestScriptArgsRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var codeHash [32]byte
		copy(codeHash[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "codeHash"))

		args := ScriptArgs{
			CodeHash:         codeHash,
			HashType:         rapid.Byte().Draw(rt, "hashType"),
			PubKeyHashBuyer:  drawPubKeyHash(rt, "buyer"),
			PubKeyHashSeller: drawPubKeyHash(rt, "seller"),
		}

		raw := args.Encode()
		if len(raw) != ScriptArgsLen {
			rt.Fatalf("encoded length %d, want %d", len(raw), ScriptArgsLen)
		}

		got, err := DecodeScriptArgs(raw)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if got != args {
			rt.Fatalf("round-trip mismatch: got %+v want %+v", got, args)
		}
	})
}

func TestDecodeScriptArgsRejectsWrongLength(t *testing.T) {
	_, err := DecodeScriptArgs(make([]byte, ScriptArgsLen-1))
	require.Error(t, err)
	require.Equal(t, errs.InputValidation, errs.KindOf(err))
}

func TestDecodeScriptArgsRejectsNonZeroPrefix(t *testing.T) {
	raw := make([]byte, ScriptArgsLen)
	raw[0] = 1
	_, err := DecodeScriptArgs(raw)
	require.Error(t, err)
}

func TestWitnessRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var sigBuyer, sigSeller [chancrypto.SigSize]byte
		copy(sigBuyer[:], rapid.SliceOfN(rapid.Byte(), chancrypto.SigSize, chancrypto.SigSize).Draw(rt, "sigBuyer"))
		copy(sigSeller[:], rapid.SliceOfN(rapid.Byte(), chancrypto.SigSize, chancrypto.SigSize).Draw(rt, "sigSeller"))

		w := Witness{SigBuyer: sigBuyer, SigSeller: sigSeller, IdxBuyer: 0, IdxSeller: 1}
		raw := w.Encode()
		if len(raw) != WitnessLen {
			rt.Fatalf("encoded length %d, want %d", len(raw), WitnessLen)
		}

		got, err := DecodeWitness(raw)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if got != w {
			rt.Fatalf("round-trip mismatch: got %+v want %+v", got, w)
		}
	})
}

func TestDecodeWitnessRejectsEqualIndices(t *testing.T) {
	w := Witness{IdxBuyer: 0, IdxSeller: 0}
	_, err := DecodeWitness(w.Encode())
	require.Error(t, err)
}

func TestDecodeWitnessRejectsOutOfRangeIndex(t *testing.T) {
	w := Witness{IdxBuyer: 0, IdxSeller: 2}
	_, err := DecodeWitness(w.Encode())
	require.Error(t, err)
}
