// Package merkle builds Merkle trees over erasure-coded shards and
// produces/verifies inclusion proofs, the commitment scheme CTRBC uses to
// bind every echoed shard to the dealer's original Init message.
package merkle

import (
	"bytes"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Digest is a single blake2b-256 hash value.
type Digest [32]byte

func newHasher() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// HashLeaf hashes a single shard into a leaf digest.
func HashLeaf(data []byte) Digest {
	h := newHasher()
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func hashTwo(left, right Digest) Digest {
	h := newHasher()
	h.Write(left[:])
	h.Write(right[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Tree is a binary Merkle tree over a fixed set of leaves. Odd layers are
// completed by duplicating the last node, the usual Merkle-tree padding
// rule.
type Tree struct {
	levels [][]Digest
}

// New builds a Merkle tree over the given shards.
func New(shards [][]byte) *Tree {
	leaves := make([]Digest, len(shards))
	for i, s := range shards {
		leaves[i] = HashLeaf(s)
	}
	return NewFromLeaves(leaves)
}

// NewFromLeaves builds a Merkle tree over already-hashed leaves.
func NewFromLeaves(leaves []Digest) *Tree {
	t := &Tree{levels: [][]Digest{leaves}}
	level := leaves
	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashTwo(level[i], level[i+1]))
			} else {
				next = append(next, hashTwo(level[i], level[i]))
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree's root digest.
func (t *Tree) Root() Digest {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof is an inclusion proof for one leaf: the sibling digest at each
// level from the leaf up to (but excluding) the root, and whether that
// sibling is the left or right child at that level.
type Proof struct {
	LeafIndex int
	Siblings  []Digest
	IsLeft    []bool
}

// GenProof produces the inclusion proof for the leaf at index i.
func (t *Tree) GenProof(i int) Proof {
	proof := Proof{LeafIndex: i}
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling Digest
		isLeft := false
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				sibling = nodes[idx+1]
			} else {
				sibling = nodes[idx]
			}
			isLeft = false
		} else {
			sibling = nodes[idx-1]
			isLeft = true
		}
		proof.Siblings = append(proof.Siblings, sibling)
		proof.IsLeft = append(proof.IsLeft, isLeft)
		idx /= 2
	}
	return proof
}

// VerifyProof recomputes the root from a leaf's data and its proof, and
// compares it against root.
func VerifyProof(data []byte, proof Proof, root Digest) bool {
	current := HashLeaf(data)
	for i, sibling := range proof.Siblings {
		if proof.IsLeft[i] {
			current = hashTwo(sibling, current)
		} else {
			current = hashTwo(current, sibling)
		}
	}
	return bytes.Equal(current[:], root[:])
}
