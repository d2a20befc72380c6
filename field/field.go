// Package field implements the large-prime scalar field arithmetic shared
// by the Shamir secret sharing, Vandermonde/Lagrange interpolation and
// folding DZK layers. Elements are kyber.Scalar values drawn from the
// BLS12-381 scalar field, the nearest large-prime field available in this
// stack's cryptography dependency.
package field

import (
	"crypto/cipher"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/util/random"
)

// dst1/dst2 are unused by scalar-field arithmetic (they only parameterize
// hash-to-curve for G1/G2 points) but NewBLS12381SuiteWithDST requires
// them; any valid RFC9380 DST pair works since we never hash to a curve
// point here.
var pairing = bls.NewBLS12381SuiteWithDST(
	[]byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"),
	[]byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_"),
)

// Suite is the kyber.Group backing all field elements in this package.
var Suite kyber.Group = pairing.G1()

// Element is a single value in the scalar field.
type Element = kyber.Scalar

// Zero returns the additive identity.
func Zero() Element {
	return Suite.Scalar().Zero()
}

// One returns the multiplicative identity.
func One() Element {
	return Suite.Scalar().One()
}

// FromInt64 builds a field element from a small integer, as used for
// evaluation points 1..n in Shamir sharing and Vandermonde rows.
func FromInt64(v int64) Element {
	return Suite.Scalar().SetInt64(v)
}

// Random draws a uniform element using the package's default CSPRNG.
func Random() Element {
	return Suite.Scalar().Pick(random.New())
}

// RandomFrom draws a uniform element from the given stream, letting callers
// substitute a deterministic stream (see FromSeed) for reproducible tests.
func RandomFrom(stream cipher.Stream) Element {
	return Suite.Scalar().Pick(stream)
}

// Add returns a+b as a fresh element.
func Add(a, b Element) Element {
	return Suite.Scalar().Add(a, b)
}

// Sub returns a-b as a fresh element.
func Sub(a, b Element) Element {
	return Suite.Scalar().Sub(a, b)
}

// Mul returns a*b as a fresh element.
func Mul(a, b Element) Element {
	return Suite.Scalar().Mul(a, b)
}

// Neg returns -a as a fresh element.
func Neg(a Element) Element {
	return Suite.Scalar().Neg(a)
}

// Inverse returns a^-1 as a fresh element. a must be non-zero.
func Inverse(a Element) Element {
	return Suite.Scalar().Inv(a)
}

// Equal reports whether a and b represent the same field element.
func Equal(a, b Element) bool {
	return a.Equal(b)
}
