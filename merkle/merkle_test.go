package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripProof(t *testing.T) {
	shards := [][]byte{
		[]byte("shard-0"), []byte("shard-1"), []byte("shard-2"),
		[]byte("shard-3"), []byte("shard-5 (odd count)"),
	}
	tree := New(shards)
	root := tree.Root()

	for i, s := range shards {
		proof := tree.GenProof(i)
		require.True(t, VerifyProof(s, proof, root), "leaf %d should verify", i)
	}
}

func TestTamperedDataFailsVerification(t *testing.T) {
	shards := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	tree := New(shards)
	root := tree.Root()

	proof := tree.GenProof(1)
	require.False(t, VerifyProof([]byte("tampered"), proof, root))
}

func TestWrongRootFailsVerification(t *testing.T) {
	shards := [][]byte{[]byte("a"), []byte("b")}
	tree := New(shards)

	other := New([][]byte{[]byte("x"), []byte("y")})
	proof := tree.GenProof(0)
	require.False(t, VerifyProof(shards[0], proof, other.Root()))
}
