package field

import (
	"golang.org/x/crypto/blake2s"
)

// seedStream adapts a blake2s XOF into a crypto/cipher.Stream, the same
// "hash the domain into an arbitrary-length keystream" idiom the rest of
// this stack uses to turn a curve point into fixed-length bytes.
type seedStream struct {
	xof blake2s.XOF
}

func (s *seedStream) XORKeyStream(dst, src []byte) {
	ks := make([]byte, len(src))
	if _, err := s.xof.Read(ks); err != nil {
		panic("field: exhausted seed keystream: " + err.Error())
	}
	for i := range src {
		dst[i] = src[i] ^ ks[i]
	}
}

// FromSeed derives a deterministic field element from an arbitrary-length
// seed (a Merkle root, a transcript digest, ...). This is the Fiat-Shamir
// challenge derivation used by dzk.
func FromSeed(seed []byte) Element {
	xof, err := blake2s.NewXOF(blake2s.OutputLengthUnknown, nil)
	if err != nil {
		panic(err)
	}
	if _, err := xof.Write(seed); err != nil {
		panic(err)
	}
	return RandomFrom(&seedStream{xof: xof})
}
