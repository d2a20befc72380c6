package erasure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := []byte("the quick brown fox jumps over the lazy dog")
	k := 4
	parity := 8 // n = 12 shards, any 4 of which decode

	shards := GetShards(msg, k, parity)
	require.Len(t, shards, k+parity)

	present := map[int][]byte{
		1: shards[1],
		3: shards[3],
		7: shards[7],
		9: shards[9],
	}
	decoded, err := Decode(present, k, len(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestDecodeInsufficientShards(t *testing.T) {
	msg := []byte("short")
	shards := GetShards(msg, 4, 4)
	present := map[int][]byte{0: shards[0], 1: shards[1]}
	_, err := Decode(present, 4, len(msg))
	require.Error(t, err)
}

func TestDecodeAnyKOfNAgree(t *testing.T) {
	msg := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	k, parity := 5, 10
	shards := GetShards(msg, k, parity)

	firstK := map[int][]byte{}
	for i := 0; i < k; i++ {
		firstK[i] = shards[i]
	}
	lastK := map[int][]byte{}
	for i := len(shards) - k; i < len(shards); i++ {
		lastK[i] = shards[i]
	}

	d1, err := Decode(firstK, k, len(msg))
	require.NoError(t, err)
	d2, err := Decode(lastK, k, len(msg))
	require.NoError(t, err)
	require.Equal(t, msg, d1)
	require.Equal(t, msg, d2)
}
