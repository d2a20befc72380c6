package field

import "crypto/cipher"

// Polynomial is a dense coefficient vector, lowest degree first:
// coeffs[i] is the coefficient of x^i.
type Polynomial []Element

// Evaluate computes the polynomial's value at x using Horner's method.
func (p Polynomial) Evaluate(x Element) Element {
	if len(p) == 0 {
		return Zero()
	}
	result := p[len(p)-1].Clone()
	for i := len(p) - 2; i >= 0; i-- {
		result = Add(Mul(result, x), p[i])
	}
	return result
}

// SamplePolynomial builds a degree-(threshold-1) polynomial with the given
// constant term and uniformly random higher coefficients drawn from stream.
func SamplePolynomial(secret Element, threshold int, stream cipher.Stream) Polynomial {
	coeffs := make(Polynomial, threshold)
	coeffs[0] = secret
	for i := 1; i < threshold; i++ {
		coeffs[i] = RandomFrom(stream)
	}
	return coeffs
}
