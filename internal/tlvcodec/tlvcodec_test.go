package tlvcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStateUpdateRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		su := StateUpdate{
			ChannelID:         rapid.StringOfN(rapid.RuneFrom([]rune("0123456789abcdef")), 0, 64, -1).Draw(rt, "channelID"),
			ChunkID:           rapid.StringOfN(rapid.RuneFrom([]rune("0123456789abcdef")), 0, 32, -1).Draw(rt, "chunkID"),
			TokensCount:       rapid.Uint64().Draw(rt, "tokens"),
			CumulativePayment: rapid.Uint64().Draw(rt, "cumulative"),
			RemainingBalance:  rapid.Uint64().Draw(rt, "remaining"),
		}

		raw, err := su.Encode()
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}

		got, err := DecodeStateUpdate(raw)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if got != su {
			rt.Fatalf("round-trip mismatch: got %+v want %+v", got, su)
		}
	})
}

func TestDecodeStateUpdateRejectsGarbage(t *testing.T) {
	_, err := DecodeStateUpdate([]byte{0xff, 0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestStateUpdateEncodeIsDeterministic(t *testing.T) {
	su := StateUpdate{ChannelID: "chan-1", ChunkID: "chunk-1", TokensCount: 5, CumulativePayment: 500, RemainingBalance: 9500}
	a, err := su.Encode()
	require.NoError(t, err)
	b, err := su.Encode()
	require.NoError(t, err)
	require.Equal(t, a, b)
}
