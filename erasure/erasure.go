// Package erasure implements a Reed-Solomon code over the field
// package's scalar field: a message of m bytes is encoded into n =
// k+parity shards, and any k of the n shards reconstruct the original
// message. The code is not systematic: every shard holds polynomial
// evaluations, and no shard holds the message bytes themselves. It reuses the same Vandermonde and
// Lagrange machinery as Shamir secret sharing (a Reed-Solomon codeword is
// exactly the evaluation of a degree-(k-1) polynomial at n points), the
// same equivalence the original LargeFieldSSS types are built around.
package erasure

import (
	"fmt"

	"github.com/drand/rbc/field"
)

// GetShards groups msg's bytes into chunks of k, each chunk the
// coefficients of one degree-(k-1) polynomial, and returns n = k+parity
// shards: shard i holds every chunk polynomial's value at x = i+1, one
// field element per chunk, so that any k of the n shards suffice to
// recover msg.
func GetShards(msg []byte, k, parity int) [][]byte {
	n := k + parity
	chunks := chunk(msg, k)

	shardElems := make([][]field.Element, n)
	for point := 0; point < n; point++ {
		x := field.FromInt64(int64(point + 1))
		shardElems[point] = make([]field.Element, len(chunks))
		for c, poly := range chunks {
			shardElems[point][c] = poly.Evaluate(x)
		}
	}

	shards := make([][]byte, n)
	for point := range shards {
		shards[point] = marshalElements(shardElems[point])
	}
	return shards
}

// Decode reconstructs the original message from any k of the n shards.
// present maps a shard's original point index (0-based, matching the
// index it was produced at in GetShards) to its bytes.
func Decode(present map[int][]byte, k, msgLen int) ([]byte, error) {
	if len(present) < k {
		return nil, fmt.Errorf("erasure: need %d shards to decode, have %d", k, len(present))
	}

	indices := make([]int, 0, k)
	for idx := range present {
		indices = append(indices, idx)
		if len(indices) == k {
			break
		}
	}

	numChunks := numChunksFor(msgLen, k)
	chunksElems := make([][]field.Element, numChunks)
	for c := 0; c < numChunks; c++ {
		shares := make([]field.Share, 0, k)
		for _, idx := range indices {
			elems, err := unmarshalElements(present[idx])
			if err != nil {
				return nil, err
			}
			if c >= len(elems) {
				return nil, fmt.Errorf("erasure: shard %d missing chunk %d", idx, c)
			}
			shares = append(shares, field.Share{Index: idx + 1, Value: elems[c]})
		}
		recovered, err := interpolateCoefficients(shares, k)
		if err != nil {
			return nil, err
		}
		chunksElems[c] = recovered
	}

	return reassemble(chunksElems, msgLen, k), nil
}

// chunk splits msg into k polynomials' worth of coefficients: msg is
// padded and sliced into groups of k field elements (each elements'
// bytes holding one message byte, matching the teacher's byte-oriented
// shard shape), one polynomial per group.
func chunk(msg []byte, k int) []field.Polynomial {
	numChunks := numChunksFor(len(msg), k)
	polys := make([]field.Polynomial, numChunks)
	for c := 0; c < numChunks; c++ {
		coeffs := make(field.Polynomial, k)
		for i := 0; i < k; i++ {
			pos := c*k + i
			if pos < len(msg) {
				coeffs[i] = field.FromInt64(int64(msg[pos]))
			} else {
				coeffs[i] = field.Zero()
			}
		}
		polys[c] = coeffs
	}
	return polys
}

func numChunksFor(msgLen, k int) int {
	if msgLen == 0 {
		return 1
	}
	return (msgLen + k - 1) / k
}

func interpolateCoefficients(shares []field.Share, k int) ([]field.Element, error) {
	xs := make([]field.Element, k)
	ys := make([]field.Element, k)
	for i, s := range shares {
		xs[i] = field.FromInt64(int64(s.Index))
		ys[i] = s.Value
	}
	vandermonde := field.VandermondeMatrix(xs)
	inverse := field.InverseVandermonde(vandermonde)
	return field.MatrixVectorMultiply(inverse, ys), nil
}

func reassemble(chunksElems [][]field.Element, msgLen, k int) []byte {
	out := make([]byte, 0, msgLen)
	for _, coeffs := range chunksElems {
		for i := 0; i < k && len(out) < msgLen; i++ {
			b, _ := coeffs[i].MarshalBinary()
			out = append(out, byteFromElementBytes(b))
		}
	}
	return out[:msgLen]
}

// byteFromElementBytes recovers the single original byte stored in a
// field element produced by chunk: since each coefficient was set via
// FromInt64 on a value in [0,255], the byte sits at the low-order end of
// the element's fixed-width encoding. Which end that is follows the
// scalar's byte order (big-endian for BLS12-381 scalars), so it is read
// off the encoding of One.
func byteFromElementBytes(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	one, _ := field.One().MarshalBinary()
	if len(one) > 0 && one[len(one)-1] == 1 {
		return b[len(b)-1]
	}
	return b[0]
}

func marshalElements(elems []field.Element) []byte {
	out := make([]byte, 0)
	for _, e := range elems {
		b, _ := e.MarshalBinary()
		length := byte(len(b))
		out = append(out, length)
		out = append(out, b...)
	}
	return out
}

func unmarshalElements(data []byte) ([]field.Element, error) {
	var elems []field.Element
	for len(data) > 0 {
		length := int(data[0])
		data = data[1:]
		if length > len(data) {
			return nil, fmt.Errorf("erasure: truncated shard encoding")
		}
		e := field.Suite.Scalar()
		if err := e.UnmarshalBinary(data[:length]); err != nil {
			return nil, fmt.Errorf("erasure: unmarshal element: %w", err)
		}
		elems = append(elems, e)
		data = data[length:]
	}
	return elems, nil
}
