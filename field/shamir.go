package field

import (
	"crypto/cipher"
	"fmt"

	"github.com/drand/kyber/util/random"
)

// Share is a single evaluation point (x, f(x)) of a shared polynomial.
type Share struct {
	Index int
	Value Element
}

// LargeFieldSSS implements (threshold, shareAmount)-Shamir secret sharing
// over the package's scalar field, precomputing the Lagrange coefficients
// (and, optionally, a Vandermonde inverse) needed to recover a secret or
// reconstruct a whole codeword from any threshold-sized subset of points.
type LargeFieldSSS struct {
	Threshold  int
	ShareAmount int
	// LagCoeffs[i] holds the Lagrange coefficients that express the i-th
	// share (for i in [threshold, shareAmount]) as a linear combination of
	// the first `threshold` shares.
	LagCoeffs [][]Element
	// VandermondeMatrix, when populated by NewWithVandermonde, is the
	// inverse Vandermonde matrix for evaluation points 1..threshold.
	VandermondeMatrix [][]Element
}

// New builds an SSS instance with precomputed Lagrange coefficients only.
func New(threshold, shareAmount int) *LargeFieldSSS {
	return &LargeFieldSSS{
		Threshold:   threshold,
		ShareAmount: shareAmount,
		LagCoeffs:   lagrangeCoefficients(threshold, shareAmount),
	}
}

// NewWithVandermonde additionally precomputes the inverse Vandermonde
// matrix for points 1..threshold, needed by the coefficient-recovery path.
func NewWithVandermonde(threshold, shareAmount int) *LargeFieldSSS {
	xValues := make([]Element, threshold)
	for i := 0; i < threshold; i++ {
		xValues[i] = FromInt64(int64(i + 1))
	}
	vandermonde := VandermondeMatrix(xValues)
	inverse := InverseVandermonde(vandermonde)

	return &LargeFieldSSS{
		Threshold:         threshold,
		ShareAmount:       shareAmount,
		LagCoeffs:         lagrangeCoefficients(threshold, shareAmount),
		VandermondeMatrix: inverse,
	}
}

// Split samples a random degree-(threshold-1) polynomial with the given
// constant term and evaluates it at points 1..shareAmount.
func (s *LargeFieldSSS) Split(secret Element, stream cipher.Stream) []Element {
	if stream == nil {
		stream = random.New()
	}
	poly := SamplePolynomial(secret, s.Threshold, stream)

	shares := make([]Element, s.ShareAmount)
	for i := 0; i < s.ShareAmount; i++ {
		shares[i] = poly.Evaluate(FromInt64(int64(i + 1)))
	}
	return shares
}

// Recover interpolates the secret (the polynomial's value at 0) from
// exactly Threshold shares.
func (s *LargeFieldSSS) Recover(shares []Share) (Element, error) {
	if len(shares) != s.Threshold {
		return nil, fmt.Errorf("field: recover needs exactly %d shares, got %d", s.Threshold, len(shares))
	}
	return lagrangeInterpolate(Zero(), shares), nil
}

// FillEvaluationAtAllPoints takes a length-Threshold slice of evaluations
// at x = 0..Threshold-1 and returns the evaluations at x =
// Threshold..ShareAmount (ShareAmount-Threshold+1 values), using the
// precomputed Lagrange coefficients instead of re-running interpolation.
func (s *LargeFieldSSS) FillEvaluationAtAllPoints(values []Element) []Element {
	extended := make([]Element, 0, len(s.LagCoeffs))
	for _, coeffs := range s.LagCoeffs {
		sum := Zero()
		for i, c := range coeffs {
			sum = Add(sum, Mul(c, values[i]))
		}
		extended = append(extended, sum)
	}
	return append(append([]Element{}, values...), extended...)
}

// VerifyDegree checks that the last Threshold points of a fully-filled
// evaluation vector (as produced by FillEvaluationAtAllPoints) still
// interpolate back to the original secret, confirming the vector lies on
// a single degree-(Threshold-1) polynomial.
func (s *LargeFieldSSS) VerifyDegree(values []Element) bool {
	shares := make([]Share, 0, s.Threshold)
	for rep := s.ShareAmount - s.Threshold; rep < s.ShareAmount; rep++ {
		shares = append(shares, Share{Index: rep + 1, Value: values[rep+1]})
	}
	secret, err := s.Recover(shares)
	if err != nil {
		return false
	}
	return Equal(secret, values[0])
}

// PolynomialCoefficientsWithPrecomputedVandermondeMatrix solves for the
// coefficients of the polynomial passing through (1,y_1)..(threshold,y_t)
// using the instance's precomputed inverse Vandermonde matrix.
func (s *LargeFieldSSS) PolynomialCoefficientsWithPrecomputedVandermondeMatrix(yValues []Element) []Element {
	return MatrixVectorMultiply(s.VandermondeMatrix, yValues)
}

// PolynomialCoefficientsWithVandermondeMatrix is the same solve, but against
// an explicitly supplied (already-inverted) Vandermonde matrix.
func PolynomialCoefficientsWithVandermondeMatrix(matrix [][]Element, yValues []Element) []Element {
	return MatrixVectorMultiply(matrix, yValues)
}

func lagrangeInterpolate(x Element, shares []Share) Element {
	result := Zero()
	for i, si := range shares {
		xi := FromInt64(int64(si.Index))
		term := si.Value.Clone()
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := FromInt64(int64(sj.Index))
			num := Sub(x, xj)
			den := Sub(xi, xj)
			term = Mul(term, Mul(num, Inverse(den)))
		}
		result = Add(result, term)
	}
	return result
}

// lagrangeCoefficients precomputes, for every evaluation point in
// [threshold, totShares], the coefficients expressing that point's value
// as a linear combination of the first `threshold` points' values.
func lagrangeCoefficients(threshold, totShares int) [][]Element {
	xs := make([]Element, threshold)
	for i := 0; i < threshold; i++ {
		xs[i] = FromInt64(int64(i))
	}
	ys := make([]Element, 0, totShares-threshold+1)
	for i := threshold; i <= totShares; i++ {
		ys = append(ys, FromInt64(int64(i)))
	}

	denominators := make([]Element, threshold)
	for i, xi := range xs {
		prod := One()
		for j, xj := range xs {
			if i == j {
				continue
			}
			prod = Mul(prod, Sub(xi, xj))
		}
		denominators[i] = Inverse(prod)
	}

	quotients := make([][]Element, 0, len(ys))
	for _, yi := range ys {
		row := make([]Element, threshold)
		for k, xk := range xs {
			num := One()
			for _, xj := range xs {
				num = Mul(num, Sub(yi, xj))
			}
			num = Mul(num, Inverse(Sub(yi, xk)))
			row[k] = Mul(num, denominators[k])
		}
		quotients = append(quotients, row)
	}
	return quotients
}

// VandermondeMatrix builds the n x n Vandermonde matrix for the given
// evaluation points: row i is (1, x_i, x_i^2, ..., x_i^(n-1)).
func VandermondeMatrix(xValues []Element) [][]Element {
	n := len(xValues)
	matrix := make([][]Element, n)
	for row, x := range xValues {
		matrix[row] = make([]Element, n)
		value := One()
		for col := 0; col < n; col++ {
			matrix[row][col] = value
			value = Mul(value, x)
		}
	}
	return matrix
}

// InverseVandermonde inverts a square matrix over the field via
// Gauss-Jordan elimination on an augmented [matrix | I] system.
func InverseVandermonde(matrix [][]Element) [][]Element {
	n := len(matrix)
	augmented := make([][]Element, n)
	for i := range matrix {
		augmented[i] = make([]Element, 2*n)
		copy(augmented[i], matrix[i])
		for j := 0; j < n; j++ {
			if i == j {
				augmented[i][n+j] = One()
			} else {
				augmented[i][n+j] = Zero()
			}
		}
	}

	for col := 0; col < n; col++ {
		inv := Inverse(augmented[col][col])
		for k := col; k < 2*n; k++ {
			augmented[col][k] = Mul(augmented[col][k], inv)
		}
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			factor := augmented[row][col].Clone()
			for k := col; k < 2*n; k++ {
				augmented[row][k] = Sub(augmented[row][k], Mul(factor, augmented[col][k]))
			}
		}
	}

	inverse := make([][]Element, n)
	for i := range augmented {
		inverse[i] = augmented[i][n : 2*n]
	}
	return inverse
}

// MatrixVectorMultiply computes matrix * vector over the field.
func MatrixVectorMultiply(matrix [][]Element, vector []Element) []Element {
	result := make([]Element, len(matrix))
	for i, row := range matrix {
		sum := Zero()
		for j, a := range row {
			sum = Add(sum, Mul(a, vector[j]))
		}
		result[i] = sum
	}
	return result
}

// CheckIfAllPointsLieOnDegreeXPolynomial tries, for every column of
// polysVector, to interpolate a degree-(degree-1) polynomial from its
// first `degree` points and checks the remaining points against it. It
// returns the reconstructed polynomials only if every column passes.
func CheckIfAllPointsLieOnDegreeXPolynomial(evalPoints []Element, polysVector [][]Element, degree int) (bool, []Polynomial) {
	inverse := InverseVandermonde(VandermondeMatrix(evalPoints[:degree]))

	polys := make([]Polynomial, len(polysVector))
	for idx, points := range polysVector {
		coeffs := MatrixVectorMultiply(inverse, points[:degree])
		poly := Polynomial(coeffs)

		allMatch := true
		for i := degree; i < len(evalPoints); i++ {
			if !Equal(poly.Evaluate(evalPoints[i]), points[i]) {
				allMatch = false
				break
			}
		}
		if !allMatch {
			return false, nil
		}
		polys[idx] = poly
	}
	return true, polys
}
